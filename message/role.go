package message

type Role uint8

const (
	RoleUnidentified Role = 0
	RoleWorker       Role = 1
	RolePublisher    Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleUnidentified:
		return "Unidentified"
	case RoleWorker:
		return "Worker"
	case RolePublisher:
		return "Publisher"
	default:
		return "Unknown Role"
	}
}
