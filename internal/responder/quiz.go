package responder

import (
	"strconv"
	"strings"

	"github.com/you/botpanel/internal/core"
)

type quizQuestion struct {
	Text    string
	Options []string
	// Answer is the 1-based index into Options.
	Answer int
}

var quizBank = []quizQuestion{
	{"What is the capital of France?", []string{"London", "Berlin", "Paris", "Madrid"}, 3},
	{"How many minutes are in a pomodoro?", []string{"15", "25", "45", "60"}, 2},
	{"Which planet is known as the red planet?", []string{"Venus", "Jupiter", "Mars", "Mercury"}, 3},
	{"What is 7 x 8?", []string{"54", "56", "58", "64"}, 2},
}

// quizState is the channel's open question. Each user gets one answer; the
// first correct answer closes it.
type quizState struct {
	q        quizQuestion
	answered map[string]struct{}
}

func (q quizQuestion) prompt() string {
	var b strings.Builder
	b.WriteString(q.Text)
	b.WriteString(" Options:")
	for i, opt := range q.Options {
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(opt)
	}
	b.WriteString(" (Reply with !answer <number>)")
	return b.String()
}

func (r *Responder) startQuiz(msg core.ChatMessage) *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiz != nil {
		return reply("@%s A quiz is already running: %s", msg.Name(), r.quiz.q.prompt())
	}
	q := quizBank[r.quizNext%len(quizBank)]
	r.quizNext++
	r.quiz = &quizState{q: q, answered: make(map[string]struct{})}
	return reply("%s", q.prompt())
}

func (r *Responder) answerQuiz(msg core.ChatMessage, arg string) *string {
	name := msg.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiz == nil {
		return reply("@%s No quiz is running. Type !quiz to start one.", name)
	}
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 || n > len(r.quiz.q.Options) {
		return reply("@%s Answer with a number from 1 to %d.", name, len(r.quiz.q.Options))
	}
	if _, ok := r.quiz.answered[msg.UserID]; ok {
		return reply("@%s You already answered this one.", name)
	}
	r.quiz.answered[msg.UserID] = struct{}{}
	if n != r.quiz.q.Answer {
		return reply("@%s Not quite, try the next one!", name)
	}
	correct := r.quiz.q.Options[r.quiz.q.Answer-1]
	r.quiz = nil
	r.quizWins[msg.UserID]++
	return reply("@%s Correct, it's %s! That's %d for you.", name, correct, r.quizWins[msg.UserID])
}
