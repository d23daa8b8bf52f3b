package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/pkg/chatclient"
)

const staleCheckInterval = 30 * time.Second

// printer writes each confirmed message once, in list order.
type printer struct {
	out     io.Writer
	errOut  io.Writer
	mu      sync.Mutex
	printed map[uuid.UUID]bool
}

func newPrinter(cmd *cobra.Command) *printer {
	return &printer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), printed: make(map[uuid.UUID]bool)}
}

func (p *printer) messages(list []chatclient.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range list {
		if !m.ID.IsConfirmed() || p.printed[m.ID.UUID()] {
			continue
		}
		p.printed[m.ID.UUID()] = true
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderType, m.Content)
	}
}

func (p *printer) status(s chatclient.ConnectionStatus) {
	switch s.Status {
	case chatclient.StatusError:
		fmt.Fprintf(p.errOut, "* соединение: %s (попытка %d)\n", s.Error, s.Attempt)
	default:
		fmt.Fprintf(p.errOut, "* соединение: %s\n", s.Status)
	}
}

func (p *printer) notice(n chatclient.Notice) {
	switch n.Kind {
	case chatclient.NoticeAlreadyClaimed:
		fmt.Fprintln(p.errOut, "* сессию уже взял другой специалист")
	case chatclient.NoticeTimedOut:
		fmt.Fprintf(p.errOut, "* сессия закрыта по таймауту (%s)\n", n.Reason)
	case chatclient.NoticeEnded:
		fmt.Fprintln(p.errOut, "* собеседник завершил сессию")
	}
}

func (p *printer) session(s *domain.ChatSession) {
	if s == nil {
		return
	}
	fmt.Fprintf(p.errOut, "* сессия %s: %s\n", s.ID, s.Status)
}

func controllerConfig(flags *globalFlags, actor domain.Actor, log *zap.Logger, p *printer) chatclient.ControllerConfig {
	return chatclient.ControllerConfig{
		API:        flags.apiClient(log),
		Connector:  chatclient.NewWebSocketConnector(flags.server, flags.tokenSource(), chatclient.WithWebSocketLogger(log)),
		Actor:      actor,
		Logger:     log,
		OnSession:  p.session,
		OnMessages: p.messages,
		OnStatus:   p.status,
		OnNotice:   p.notice,
	}
}

type chatSide interface {
	SendMessage(ctx context.Context, params chatclient.SendParams) (*domain.ChatMessage, error)
	EndSession(ctx context.Context, reason domain.EndReason) (*domain.ChatSession, error)
	Session() *domain.ChatSession
}

// repl reads lines from stdin until EOF or /quit. /end closes the session.
func repl(ctx context.Context, in io.Reader, side chatSide, p *printer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/end":
				if _, err := side.EndSession(ctx, domain.EndReasonManual); err != nil {
					fmt.Fprintln(p.errOut, "* не удалось завершить:", err)
					continue
				}
				fmt.Fprintln(p.errOut, "* сессия завершена")
				return nil
			default:
				if s := side.Session(); s == nil || s.Status == domain.ChatSessionStatusEnded {
					fmt.Fprintln(p.errOut, "* сессия закрыта")
					return nil
				}
				if _, err := side.SendMessage(ctx, chatclient.SendParams{Content: line}); err != nil {
					fmt.Fprintln(p.errOut, "* не отправлено:", err)
				}
			}
		}
	}
}

func newUserCommand(flags *globalFlags) *cobra.Command {
	var (
		userID   int64
		forceNew bool
	)

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Chat with support as a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := flags.newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			p := newPrinter(cmd)
			actor := domain.Actor{UserID: userID, Role: domain.UserRoleUser}
			user := chatclient.NewUserController(controllerConfig(flags, actor, log, p))
			defer user.Close()

			var session *domain.ChatSession
			if !forceNew {
				if session, err = user.Mount(ctx); err != nil {
					return err
				}
			}
			if session == nil {
				if session, err = user.StartSession(ctx, forceNew); err != nil {
					return err
				}
			}
			fmt.Fprintf(p.errOut, "* подключено к сессии %s (%s); /end завершить, /quit выйти\n", session.ID, session.Status)

			go func() {
				ticker := time.NewTicker(staleCheckInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if ended, err := user.CheckStale(ctx); err != nil {
							log.Warn("ошибка проверки устаревшей сессии", zap.Error(err))
						} else if ended {
							fmt.Fprintln(p.errOut, "* сессию никто не взял вовремя; начните новую")
						}
					}
				}
			}()

			return repl(ctx, cmd.InOrStdin(), user, p)
		},
	}

	cmd.Flags().Int64Var(&userID, "user-id", 0, "your user id, as in the token")
	cmd.Flags().BoolVar(&forceNew, "new", false, "end a stale waiting session and start over")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newSpecialistCommand(flags *globalFlags) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "specialist SESSION_ID",
		Short: "Open a session as a specialist, claiming it if it waits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("некорректный id сессии: %w", err)
			}

			log, err := flags.newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			p := newPrinter(cmd)
			actor := domain.Actor{UserID: userID, Role: domain.UserRoleSpecialist}
			specialist := chatclient.NewSpecialistController(controllerConfig(flags, actor, log, p))
			defer specialist.Close()

			session, err := specialist.Open(ctx, sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(p.errOut, "* открыта сессия %s (%s); /end завершить, /quit выйти\n", session.ID, session.Status)

			return repl(ctx, cmd.InOrStdin(), specialist, p)
		},
	}

	cmd.Flags().Int64Var(&userID, "user-id", 0, "your specialist id, as in the token")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
