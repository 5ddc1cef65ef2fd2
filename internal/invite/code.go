package invite

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Alphabet is base-32 without the look-alikes I, l, O, o, 0 and 1.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// CodeLength counts the nine body characters plus the check character.
const CodeLength = 10

var (
	checkWeights = [CodeLength - 1]int{7, 9, 10, 5, 8, 4, 2, 1, 6}
	checkChars   = [11]byte{'1', '0', 'X', '9', '8', '7', '6', '5', '4', '3', '2'}
)

// Normalize trims and upper-cases a user-typed code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CheckChar derives the check character of a nine character body.
func CheckChar(body string) (byte, error) {
	if len(body) != CodeLength-1 {
		return 0, fmt.Errorf("code body must be %d characters, got %d", CodeLength-1, len(body))
	}
	sum := 0
	for i := 0; i < len(body); i++ {
		v := strings.IndexByte(Alphabet, body[i])
		if v < 0 {
			return 0, fmt.Errorf("character %q is not allowed", body[i])
		}
		sum += v * checkWeights[i]
	}
	return checkChars[sum%11], nil
}

// Valid reports whether code has the right shape and check character.
func Valid(code string) bool {
	code = Normalize(code)
	if len(code) != CodeLength {
		return false
	}
	want, err := CheckChar(code[:CodeLength-1])
	return err == nil && code[CodeLength-1] == want
}

// Generate returns n distinct random codes.
func Generate(n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}
	seen := make(map[string]bool, n)
	out := make([]string, 0, n)
	max := big.NewInt(int64(len(Alphabet)))
	for len(out) < n {
		body := make([]byte, CodeLength-1)
		for i := range body {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, fmt.Errorf("random code: %w", err)
			}
			body[i] = Alphabet[idx.Int64()]
		}
		check, err := CheckChar(string(body))
		if err != nil {
			return nil, err
		}
		code := string(body) + string(check)
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out, nil
}
