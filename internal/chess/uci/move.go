package uci

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedMove = errors.New("malformed move token")

// MoveIntent is a decoded engine move. Promotion is empty when the move
// does not promote.
type MoveIntent struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

func (m MoveIntent) UCI() string { return m.From + m.To + m.Promotion }

func (m MoveIntent) String() string { return m.UCI() }

// IsNullMove reports the tokens engines print when no legal move exists.
func IsNullMove(token string) bool {
	return token == "0000" || token == "(none)"
}

func DecodeMove(token string) (MoveIntent, error) {
	token = strings.TrimSpace(token)
	if len(token) != 4 && len(token) != 5 {
		return MoveIntent{}, fmt.Errorf("%w: %q has length %d", ErrMalformedMove, token, len(token))
	}
	token = strings.ToLower(token)
	from, to := token[0:2], token[2:4]
	if !isSquare(from) || !isSquare(to) {
		return MoveIntent{}, fmt.Errorf("%w: %q is not square to square", ErrMalformedMove, token)
	}
	mv := MoveIntent{From: from, To: to}
	if len(token) == 5 {
		p := token[4:5]
		if !strings.Contains("qrbn", p) {
			return MoveIntent{}, fmt.Errorf("%w: %q has bad promotion piece", ErrMalformedMove, token)
		}
		mv.Promotion = p
	}
	return mv, nil
}

func isSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}
