// Command client is a line-oriented terminal client for the support chat.
//
//	/list                  show conversations
//	/open <id>             open a conversation
//	/new <user> <role>     start a conversation
//	/users [role]          list counterparts and who is online
//	/quit
//
// Any other line is sent to the open conversation.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-supportchat/internal/server"
	"github.com/npezzotti/go-supportchat/internal/session"
	"github.com/npezzotti/go-supportchat/internal/types"
)

func main() {
	logger := log.New(os.Stderr, "[supportchat-client] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Fatal("load .env:", err)
	}

	var baseURL, token string
	flag.StringVar(&baseURL, "url", "http://localhost:8000", "server base URL")
	flag.StringVar(&token, "token", os.Getenv("SUPPORTCHAT_TOKEN"), "identity token")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	self, err := session.NewRESTClient(baseURL, token, nil).Session(ctx)
	if err != nil {
		logger.Fatal("session:", err)
	}
	fmt.Printf("signed in as %s (%s)\n", self.UserId, self.Role)

	s := session.New(logger, self, baseURL, token)
	s.OnEvent(func(msg *server.ServerMessage) { printEvent(s, msg) })

	go func() {
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Println("connection:", err)
		}
		stop()
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, s, line); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, s *session.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		s.KeyPress()
		if err := s.Send(line); err != nil {
			fmt.Println("send:", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/list":
		for _, c := range s.State().Conversations() {
			printConversation(s, c)
		}
	case "/open":
		if len(fields) != 2 {
			fmt.Println("usage: /open <id>")
			return false
		}
		if err := s.OpenConversation(ctx, fields[1]); err != nil {
			fmt.Println("open:", err)
			return false
		}
		for _, m := range s.State().Window() {
			printMessage(m)
		}
	case "/new":
		if len(fields) != 3 {
			fmt.Println("usage: /new <user> <role>")
			return false
		}
		conv, err := s.StartConversation(ctx, types.Participant{UserId: fields[1], Role: types.Role(fields[2])})
		if err != nil {
			fmt.Println("new:", err)
			return false
		}
		fmt.Println("opened", conv.Id)
	case "/users":
		var role types.Role
		if len(fields) > 1 {
			role = types.Role(fields[1])
		}
		users, err := s.REST().AvailableUsers(ctx, role)
		if err != nil {
			fmt.Println("users:", err)
			return false
		}
		for _, u := range users {
			status := "offline"
			if u.IsOnline {
				status = "online"
			}
			fmt.Printf("  %s (%s) %s\n", u.UserId, u.Role, status)
		}
	default:
		fmt.Println("unknown command", fields[0])
	}

	return false
}

func printEvent(s *session.Session, msg *server.ServerMessage) {
	switch {
	case msg.MessageReceived != nil:
		if active, ok := s.State().Active(); ok && active.Id == msg.MessageReceived.ConversationId {
			printMessage(*msg.MessageReceived)
			return
		}
		fmt.Printf("* new message in %s from %s\n", msg.MessageReceived.ConversationId, msg.MessageReceived.SenderId)
	case msg.UserTyping != nil:
		if active, ok := s.State().Active(); ok && active.Id == msg.UserTyping.ConversationId {
			fmt.Printf("* %s is typing...\n", msg.UserTyping.UserId)
		}
	case msg.MessagesRead != nil:
		fmt.Printf("* %s read %s\n", msg.MessagesRead.ReadBy, msg.MessagesRead.ConversationId)
	case msg.UserOnline != nil:
		fmt.Printf("* %s is online\n", msg.UserOnline.UserId)
	case msg.UserOffline != nil:
		fmt.Printf("* %s went offline\n", msg.UserOffline.UserId)
	case msg.Response != nil && msg.Response.ResponseCode >= 400:
		fmt.Printf("! %d %s\n", msg.Response.ResponseCode, msg.Response.Error)
	}
}

func printConversation(s *session.Session, c types.Conversation) {
	marker := " "
	if active, ok := s.State().Active(); ok && c.Id == active.Id {
		marker = ">"
	}

	var with []string
	for _, p := range c.Participants {
		with = append(with, p.UserId)
	}

	preview := ""
	if c.LastMessage != nil {
		preview = c.LastMessage.Content
	}

	fmt.Printf("%s %s [%s] %q unread=%d\n", marker, c.Id, strings.Join(with, ","), preview, c.UnreadCount[s.Self().UserId])
}

func printMessage(m types.Message) {
	fmt.Printf("  [%s] %s: %s (%s)\n", m.CreatedAt.Local().Format("15:04"), m.SenderId, m.Content, m.Status)
}
