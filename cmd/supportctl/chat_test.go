package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/domain"
	"supportchat/pkg/chatclient"
)

type fakeSide struct {
	session *domain.ChatSession
	sent    []string
	ended   []domain.EndReason
}

func (f *fakeSide) SendMessage(_ context.Context, params chatclient.SendParams) (*domain.ChatMessage, error) {
	f.sent = append(f.sent, params.Content)
	return &domain.ChatMessage{ID: uuid.New(), Content: params.Content}, nil
}

func (f *fakeSide) EndSession(_ context.Context, reason domain.EndReason) (*domain.ChatSession, error) {
	f.ended = append(f.ended, reason)
	f.session.Status = domain.ChatSessionStatusEnded
	return f.session, nil
}

func (f *fakeSide) Session() *domain.ChatSession { return f.session }

func newTestPrinter() (*printer, *bytes.Buffer, *bytes.Buffer) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return &printer{out: out, errOut: errOut, printed: make(map[uuid.UUID]bool)}, out, errOut
}

func TestRepl_SendsAndEnds(t *testing.T) {
	p, _, errOut := newTestPrinter()
	side := &fakeSide{session: &domain.ChatSession{ID: uuid.New(), Status: domain.ChatSessionStatusActive}}

	in := strings.NewReader("hello\n\n  second  \n/end\nnever sent\n")
	require.NoError(t, repl(context.Background(), in, side, p))

	assert.Equal(t, []string{"hello", "second"}, side.sent)
	assert.Equal(t, []domain.EndReason{domain.EndReasonManual}, side.ended)
	assert.Contains(t, errOut.String(), "сессия завершена")
}

func TestRepl_StopsOnClosedSession(t *testing.T) {
	p, _, errOut := newTestPrinter()
	side := &fakeSide{session: &domain.ChatSession{ID: uuid.New(), Status: domain.ChatSessionStatusEnded}}

	require.NoError(t, repl(context.Background(), strings.NewReader("hi\n"), side, p))
	assert.Empty(t, side.sent)
	assert.Contains(t, errOut.String(), "сессия закрыта")
}

func TestPrinter_PrintsConfirmedOnce(t *testing.T) {
	p, out, _ := newTestPrinter()
	id := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	confirmed := chatclient.Message{
		ID:          chatclient.Confirmed(id),
		ChatMessage: domain.ChatMessage{ID: id, SenderType: domain.SenderTypeUser, Content: "hi", CreatedAt: at},
	}
	pending := chatclient.Message{
		ID:          chatclient.Pending(uuid.New()),
		ChatMessage: domain.ChatMessage{Content: "draft", CreatedAt: at},
	}

	p.messages([]chatclient.Message{confirmed, pending})
	p.messages([]chatclient.Message{confirmed})

	assert.Equal(t, 1, strings.Count(out.String(), "user: hi"))
	assert.NotContains(t, out.String(), "draft")
}
