package auth

import (
	"crypto/rand"
	"math/big"
	"slices"
	"strings"
	"unicode"
)

// StrengthLevel buckets a strength score.
type StrengthLevel string

// Strength levels, weakest first.
const (
	VeryWeak   StrengthLevel = "very_weak"
	Weak       StrengthLevel = "weak"
	Medium     StrengthLevel = "medium"
	Strong     StrengthLevel = "strong"
	VeryStrong StrengthLevel = "very_strong"
)

// Strength is the outcome of CheckStrength.
type Strength struct {
	Level           StrengthLevel
	Score           int
	Recommendations []string
}

// Acceptable is false only for very weak passwords.
func (s Strength) Acceptable() bool { return s.Level != VeryWeak }

const specialChars = `!@#$%^&*(),.?":{}|<>_-+=[]\/;'` + "`~"

var weakPatterns = []struct {
	substr string
	advice string
}{
	{"123", "Avoid sequential numbers (123, 456, etc.)"},
	{"abc", "Avoid sequential letters (abc, def, etc.)"},
	{"qwerty", "Avoid keyboard patterns (qwerty, asdf, etc.)"},
	{"password", "Don't use the word 'password'"},
	{"admin", "Don't use the word 'admin'"},
}

var commonPasswords = []string{
	"123456", "password", "12345678", "qwerty", "123456789", "12345",
	"1234", "111111", "1234567", "dragon", "123123", "baseball",
	"abc123", "football", "monkey", "letmein", "shadow", "master",
	"abc", "123", "admin", "test", "guest",
}

// CheckStrength scores secret from 0 to 100 on length, character variety and
// common patterns, and lists ways to improve it.
func CheckStrength(secret string) Strength {
	if secret == "" {
		return Strength{Level: VeryWeak, Recommendations: []string{"Password is required"}}
	}

	score := 0
	var recs []string
	add := func(r string) {
		if !slices.Contains(recs, r) {
			recs = append(recs, r)
		}
	}

	switch n := len([]rune(secret)); {
	case n < 8:
		add("Use at least 8 characters (12+ recommended)")
	case n < 12:
		score += 20
		add("Consider using 12+ characters for better security")
	case n < 16:
		score += 30
	default:
		score += 40
	}

	var lower, upper, digit, special bool
	for _, r := range secret {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(specialChars, r):
			special = true
		}
	}
	kinds := 0
	for _, b := range []bool{lower, upper, digit, special} {
		if b {
			kinds++
		}
	}

	switch kinds {
	case 0, 1:
		score += 10
		add("Mix uppercase and lowercase letters")
		add("Add numbers and special characters")
	case 2:
		score += 20
		if !digit {
			add("Add numbers for better security")
		}
		if !special {
			add("Add special characters (!@#$%^&*, etc.)")
		}
	case 3:
		score += 30
		if !special {
			add("Consider adding special characters for maximum security")
		}
	default:
		score += 40
	}

	folded := strings.ToLower(secret)
	for _, p := range weakPatterns {
		if strings.Contains(folded, p.substr) {
			score -= 10
			add(p.advice)
		}
	}
	if hasRun(folded, 3) {
		score -= 10
		add("Avoid repeating characters (aaa, 111, etc.)")
	}
	if slices.Contains(commonPasswords, folded) {
		score = max(0, score-30)
		add("This is a commonly used password - choose something unique")
	}

	score = max(0, min(100, score))
	return Strength{Level: levelFor(score), Score: score, Recommendations: recs}
}

func levelFor(score int) StrengthLevel {
	switch {
	case score < 20:
		return VeryWeak
	case score < 40:
		return Weak
	case score < 60:
		return Medium
	case score < 80:
		return Strong
	default:
		return VeryStrong
	}
}

// hasRun reports whether s contains the same rune n or more times in a row.
func hasRun(s string, n int) bool {
	var prev rune
	count := 0
	for i, r := range s {
		if i > 0 && r == prev {
			count++
		} else {
			count = 1
		}
		if count >= n {
			return true
		}
		prev = r
	}
	return false
}

const suggestionAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"

// SuggestPassword returns a random 16 character password.
func SuggestPassword() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(suggestionAlphabet)))
	for i := 0; i < 16; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(suggestionAlphabet[n.Int64()])
	}
	return b.String(), nil
}
