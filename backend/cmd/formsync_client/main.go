package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/chat"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/collab"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/presence"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/schemasync"
	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/transport"
)

// A line-oriented terminal client, mostly for poking at a running server:
//
//	schema {"fields":[...]}   publish a full schema snapshot
//	field <id> {"label":"x"}  publish a per-field patch (field mode only)
//	select <id>               select a field (bare "select" clears)
//	chat <text>               send a chat message
//	who                       list present collaborators
//	quit
func main() {
	httpBase := flag.String("http", "http://127.0.0.1:8094", "session service base URL")
	wsURL := flag.String("ws", "ws://127.0.0.1:8094/collab/ws", "collaboration websocket URL")
	formID := flag.String("form", "demo-form", "form to join")
	name := flag.String("name", "anonymous", "display name")
	fieldMode := flag.Bool("fieldMode", false, "use per-field logical clocks")
	flag.Parse()

	id, err := collab.JoinSession(context.Background(), *httpBase, *formID, *name)
	if err != nil {
		log.Fatalf("join failed: %v", err)
	}

	cb := collab.Callbacks{
		OnSchemaUpdate: func(schema json.RawMessage) {
			fmt.Printf("<< schema: %s\n", schema)
		},
		OnFieldSelect: func(userID string, fieldID *string) {
			if fieldID == nil {
				fmt.Printf("<< %s released selection\n", userID)
				return
			}
			fmt.Printf("<< %s selected field %s\n", userID, *fieldID)
		},
		OnConnectionStateChange: func(st transport.State) {
			fmt.Printf("-- connection: %s\n", st)
		},
		OnPresenceChange: func(others []presence.Collaborator) {
			names := make([]string, 0, len(others))
			for _, m := range others {
				names = append(names, m.DisplayName)
			}
			fmt.Printf("-- present: [%s]\n", strings.Join(names, ", "))
		},
		OnChatMessage: func(e chat.Entry) {
			if e.UserID == chat.SystemSenderID {
				fmt.Printf("** %s\n", e.Message)
				return
			}
			fmt.Printf("<%s> %s\n", e.UserName, e.Message)
		},
		OnError: func(err error) {
			log.Fatalf("session ended: %v", err)
		},
		OnRebase: func(superseded schemasync.Snapshot) {
			fmt.Printf("!! your edit was superseded, re-apply on top of v%d: %s\n",
				superseded.Version, superseded.Schema)
		},
	}

	sess := collab.NewSession(*formID, id.UserID, *name, cb, collab.Options{
		ServerURL: *wsURL,
		Token:     id.SessionToken,
		FieldMode: *fieldMode,
	})
	if err := sess.Start(context.Background()); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer func() {
		sess.Close()
		collab.LeaveSession(*httpBase, id.SessionToken)
	}()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "schema":
			if err := sess.UpdateSchema(json.RawMessage(rest)); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "field":
			fieldID, patch, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: field <id> <patch-json>")
				continue
			}
			if err := sess.UpdateField(fieldID, json.RawMessage(patch)); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "select":
			var fieldID *string
			if rest != "" {
				fieldID = &rest
			}
			if err := sess.SelectField(fieldID); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "chat":
			if err := sess.SendChat(rest); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "who":
			for _, m := range sess.Others() {
				fmt.Printf("  %s (%s)\n", m.DisplayName, m.Color)
			}
		case "quit", "exit":
			return
		case "":
		default:
			fmt.Println("commands: schema, field, select, chat, who, quit")
		}
	}
}
