package dcc

import "github.com/google/uuid"

// Token is the 128-bit identifier under which a sender and receiver agree
// on a shared relay session.
type Token uuid.UUID

// NewToken generates a new random token.
func NewToken() Token {
	return Token(uuid.New())
}

// ParseToken parses a canonical UUID string into a Token.
func ParseToken(s string) (Token, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Token{}, err
	}
	return Token(id), nil
}

func (t Token) String() string {
	return uuid.UUID(t).String()
}
