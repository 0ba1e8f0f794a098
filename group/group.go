package group

type Group uint8

const (
	GroupInvalid     Group = 0
	GroupQueueExpiry Group = 1
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupQueueExpiry:
		return "Queue Expiry"
	default:
		return "Unknown Group"
	}
}
