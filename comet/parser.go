// Package comet implements the client side of the long-poll protocol: the
// resumable request parser that extracts a client id from
// "GET /<clientId>.js ...\r\n<headers>\r\n\r\n", and the single response a
// waiting client receives.
package comet

import (
	"errors"
)

const (
	MaxClientIDLen  = 128
	MaxRequestBytes = 8192
)

var (
	ErrClientIDTooLong = errors.New("client id too long")
	ErrEmptyClientID   = errors.New("empty client id")
	ErrSuffix          = errors.New("path does not end in .js")
	ErrLineEnding      = errors.New("carriage return not followed by line feed")
	ErrRequestTooLong  = errors.New("request exceeds byte limit")
)

type ParseState uint8

const (
	StateAwaitSlash ParseState = iota
	StateClientID
	StateSuffixJ
	StateSuffixS
	StateFirstLine
	StateFirstLineLF
	StateHeaderLineStart
	StateHeaderLine
	StateHeaderLF
	StateBlankLineLF
	StateComplete
	StateError
)

func (s ParseState) String() string {
	switch s {
	case StateAwaitSlash:
		return "Await Slash"
	case StateClientID:
		return "Client ID"
	case StateSuffixJ:
		return "Suffix J"
	case StateSuffixS:
		return "Suffix S"
	case StateFirstLine:
		return "First Line"
	case StateFirstLineLF:
		return "First Line LF"
	case StateHeaderLineStart:
		return "Header Line Start"
	case StateHeaderLine:
		return "Header Line"
	case StateHeaderLF:
		return "Header LF"
	case StateBlankLineLF:
		return "Blank Line LF"
	case StateComplete:
		return "Complete"
	case StateError:
		return "Error"
	default:
		return "Unknown State"
	}
}

// Parser tracks one connection's progress through the request head. It keeps
// only the client id bytes, never the request itself.
type Parser struct {
	state    ParseState
	clientID [MaxClientIDLen]byte
	idLen    int
	count    int
	maxBytes int
	err      error
}

func NewParser(maxBytes int) *Parser {
	p := &Parser{}
	p.Reset(maxBytes)
	return p
}

// Reset prepares the parser for a new connection. maxBytes <= 0 selects MaxRequestBytes.
func (p *Parser) Reset(maxBytes int) {
	if maxBytes <= 0 {
		maxBytes = MaxRequestBytes
	}
	p.state = StateAwaitSlash
	p.idLen = 0
	p.count = 0
	p.maxBytes = maxBytes
	p.err = nil
}

func (p *Parser) State() ParseState {
	return p.state
}

// Done reports whether the blank line ending the request head was seen.
func (p *Parser) Done() bool {
	return p.state == StateComplete
}

func (p *Parser) ClientID() string {
	return string(p.clientID[:p.idLen])
}

// Count returns the bytes consumed so far.
func (p *Parser) Count() int {
	return p.count
}

func (p *Parser) fail(err error) error {
	p.state = StateError
	p.err = err
	return err
}

// Feed advances the parser over b and returns how many bytes it consumed.
// Once the request head completes, the remaining bytes of b are left
// untouched. A non-nil error is final, the connection must be dropped.
func (p *Parser) Feed(b []byte) (int, error) {
	if p.state == StateError {
		return 0, p.err
	}

	for i, c := range b {
		if p.state == StateComplete {
			return i, nil
		}

		p.count++
		if p.count > p.maxBytes {
			return i, p.fail(ErrRequestTooLong)
		}

		switch p.state {
		case StateAwaitSlash:
			if c == '/' {
				p.state = StateClientID
			}

		case StateClientID:
			if c == '.' {
				if p.idLen == 0 {
					return i, p.fail(ErrEmptyClientID)
				}
				p.state = StateSuffixJ
				continue
			}
			if p.idLen == MaxClientIDLen {
				return i, p.fail(ErrClientIDTooLong)
			}
			p.clientID[p.idLen] = c
			p.idLen++

		case StateSuffixJ:
			if c != 'j' {
				return i, p.fail(ErrSuffix)
			}
			p.state = StateSuffixS

		case StateSuffixS:
			if c != 's' {
				return i, p.fail(ErrSuffix)
			}
			p.state = StateFirstLine

		case StateFirstLine:
			if c == '\r' {
				p.state = StateFirstLineLF
			}

		case StateFirstLineLF:
			if c != '\n' {
				return i, p.fail(ErrLineEnding)
			}
			p.state = StateHeaderLineStart

		case StateHeaderLineStart:
			if c == '\r' {
				p.state = StateBlankLineLF
			} else {
				p.state = StateHeaderLine
			}

		case StateHeaderLine:
			if c == '\r' {
				p.state = StateHeaderLF
			}

		case StateHeaderLF:
			switch c {
			case '\n':
				p.state = StateHeaderLineStart
			case '\r':
				// stray CR, this one may still start the line ending
			default:
				p.state = StateHeaderLine
			}

		case StateBlankLineLF:
			if c != '\n' {
				return i, p.fail(ErrLineEnding)
			}
			p.state = StateComplete
		}
	}

	return len(b), nil
}
