package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/omochice/room-chat/internal/client"
	"github.com/omochice/room-chat/internal/config"
	"github.com/omochice/room-chat/internal/room"
	"github.com/omochice/room-chat/internal/ui"
	"github.com/omochice/room-chat/pkg/protocol"
)

func main() {
	roomID := flag.String("room", "", "Room id to join (or name to create with -create)")
	username := flag.String("username", "", "Username for chat")
	create := flag.Bool("create", false, "Create the room before joining")
	flag.Parse()

	if *roomID == "" || *username == "" {
		log.Fatal("Room and username are required. Use -room and -username flags")
	}

	// Flags are consumed above; the rest goes to conf.
	os.Args = append(os.Args[:1], flag.Args()...)
	cfg, help, err := config.LoadClient(".env")
	if err != nil {
		if errors.Is(err, config.ErrHelpWanted) {
			fmt.Println(help)
			return
		}
		log.Fatalf("config: %v", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	stack, err := client.New(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *create {
		r, err := stack.API.CreateRoom(ctx, *roomID)
		if err != nil {
			log.Fatalf("Failed to create room: %s", ui.ErrorText(err))
		}
		*roomID = r.RoomID
		fmt.Printf("Created room %s\n", r.RoomID)
	} else if _, err := stack.API.JoinRoom(ctx, *roomID); err != nil {
		log.Fatalf("Failed to join room: %s", ui.ErrorText(err))
	}

	printMessage := func(m protocol.Message) {
		fmt.Println(ui.FormatMessage(m, *username, time.Now()))
	}
	m := stack.Manager(room.ListenerFuncs{
		Message: printMessage,
		Backlog: func(msgs []protocol.Message) {
			for _, msg := range msgs {
				printMessage(msg)
			}
		},
		Notify: func(n room.Notification) {
			if n.Kind == room.NotifyError {
				fmt.Fprintf(os.Stderr, "*** %s: %v ***\n", n.Text, n.Err)
				return
			}
			fmt.Printf("*** %s ***\n", n.Text)
		},
	})

	if err := m.EnterRoom(ctx, *roomID, *username); err != nil {
		log.Fatalf("Failed to enter room: %v", err)
	}
	defer m.LeaveRoom()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("Type your messages (or 'quit' to exit):")
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if text == "quit" || text == "exit" {
				return
			}
			if err := m.SendMessage(ctx, text); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to send message: %v\n", err)
			}
		}
	}
}
