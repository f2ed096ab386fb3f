// Package captcha gates registration with generated question/answer
// challenges at a configured difficulty, validating free-form answers by
// normalized comparison.
package captcha

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// Difficulty selects the question generator.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// ParseDifficulty maps a config string to a Difficulty, defaulting to easy.
func ParseDifficulty(s string) Difficulty {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(Medium):
		return Medium
	case string(Hard):
		return Hard
	default:
		return Easy
	}
}

// Question is one generated challenge: the text shown to the client, the
// expected answer, and accepted alternates.
type Question struct {
	Text       string
	Answer     string
	Alternates []string
}

// Generator produces questions from a seeded source, so tests can be
// deterministic and production can pass a time-seeded source.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a generator over the given seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Generate builds one question at the difficulty.
func (g *Generator) Generate(d Difficulty) Question {
	switch d {
	case Hard:
		return g.hard()
	case Medium:
		return g.medium()
	default:
		return g.easy()
	}
}

// easy: single-digit addition or subtraction with a non-negative result.
func (g *Generator) easy() Question {
	a := g.rng.Intn(9) + 1
	b := g.rng.Intn(9) + 1
	if g.rng.Intn(2) == 0 {
		return numeric(fmt.Sprintf("What is %d + %d?", a, b), a+b)
	}
	if a < b {
		a, b = b, a
	}
	return numeric(fmt.Sprintf("What is %d - %d?", a, b), a-b)
}

// medium: two-digit addition or single-digit multiplication.
func (g *Generator) medium() Question {
	if g.rng.Intn(2) == 0 {
		a := g.rng.Intn(80) + 10
		b := g.rng.Intn(80) + 10
		return numeric(fmt.Sprintf("What is %d + %d?", a, b), a+b)
	}
	a := g.rng.Intn(8) + 2
	b := g.rng.Intn(8) + 2
	return numeric(fmt.Sprintf("What is %d * %d?", a, b), a*b)
}

// hard: two-step arithmetic with multiplication binding tighter.
func (g *Generator) hard() Question {
	a := g.rng.Intn(8) + 2
	b := g.rng.Intn(8) + 2
	c := g.rng.Intn(20) + 1
	if g.rng.Intn(2) == 0 {
		return numeric(fmt.Sprintf("What is %d * %d + %d?", a, b, c), a*b+c)
	}
	return numeric(fmt.Sprintf("What is %d + %d * %d?", c, a, b), c+a*b)
}

func numeric(text string, answer int) Question {
	q := Question{Text: text, Answer: strconv.Itoa(answer)}
	if w, ok := numberWord(answer); ok {
		q.Alternates = []string{w}
	}
	return q
}

var smallWords = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight",
	"nine", "ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen",
	"sixteen", "seventeen", "eighteen", "nineteen", "twenty",
}

func numberWord(n int) (string, bool) {
	if n >= 0 && n < len(smallWords) {
		return smallWords[n], true
	}
	return "", false
}

// Validate compares a free-form answer against the question. Both sides are
// trimmed and lowercased; when both normalize to integers they are compared
// as numbers, otherwise as strings against the answer and its alternates.
func Validate(q Question, answer string) bool {
	got := normalize(answer)
	want := normalize(q.Answer)

	if gi, err1 := strconv.Atoi(got); err1 == nil {
		if wi, err2 := strconv.Atoi(want); err2 == nil {
			return gi == wi
		}
	}
	if got == want {
		return true
	}
	for _, alt := range q.Alternates {
		if got == normalize(alt) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
