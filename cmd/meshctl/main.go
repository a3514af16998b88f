package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

const usage = `usage: meshctl [-node addr] <command> [args]

commands:
  status                          node identity, peers and call state
  peers                           neighbour table
  send -to user|-group id TEXT    send a text message
  image -to user|-group id FILE   send an image
  edit ID TEXT                    edit one of your messages
  delete ID                       delete one of your messages
  show KEY                        conversation with a user or group
  groups                          known groups
  group-create [-password pw] NAME
  group-invite GROUP USER
  group-join [-password pw] GROUP
  group-leave GROUP
  challenges                      invites waiting for a password
  call [-video] USER              ring a peer
  accept | reject | hangup        act on the current call
  events                          stream node events
`

type client struct {
	base string
	http *http.Client
}

func main() {
	log.SetFlags(0)
	node := flag.String("node", "127.0.0.1:8080", "Admin address of the node")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: "http://" + *node, http: &http.Client{Timeout: *timeout}}
	if err := run(c, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatalf("meshctl %s: %v", flag.Arg(0), err)
	}
}

func run(c *client, cmd string, args []string) error {
	switch cmd {
	case "status":
		return c.print(http.MethodGet, "/api/status", nil)
	case "peers":
		return c.print(http.MethodGet, "/api/peers", nil)
	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		to := fs.String("to", "", "Recipient username or broadcast")
		group := fs.String("group", "", "Group id")
		_ = fs.Parse(args)
		if fs.NArg() == 0 {
			return errors.New("message text required")
		}
		return c.print(http.MethodPost, "/api/messages", map[string]string{
			"to": *to, "group_id": *group, "body": strings.Join(fs.Args(), " "),
		})
	case "image":
		fs := flag.NewFlagSet("image", flag.ExitOnError)
		to := fs.String("to", "", "Recipient username or broadcast")
		group := fs.String("group", "", "Group id")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			return errors.New("image file required")
		}
		data, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			return err
		}
		return c.print(http.MethodPost, "/api/images", map[string]any{
			"to": *to, "group_id": *group, "mime": http.DetectContentType(data), "data": data,
		})
	case "edit":
		if len(args) < 2 {
			return errors.New("usage: edit ID TEXT")
		}
		return c.print(http.MethodPut, "/api/messages/"+url.PathEscape(args[0]), map[string]string{
			"body": strings.Join(args[1:], " "),
		})
	case "delete":
		if len(args) != 1 {
			return errors.New("usage: delete ID")
		}
		return c.print(http.MethodDelete, "/api/messages/"+url.PathEscape(args[0]), nil)
	case "show":
		if len(args) != 1 {
			return errors.New("usage: show KEY")
		}
		return c.print(http.MethodGet, "/api/conversations/"+url.PathEscape(args[0]), nil)
	case "groups":
		return c.print(http.MethodGet, "/api/groups", nil)
	case "group-create":
		fs := flag.NewFlagSet("group-create", flag.ExitOnError)
		password := fs.String("password", "", "Join password; empty for an open group")
		_ = fs.Parse(args)
		if fs.NArg() == 0 {
			return errors.New("group name required")
		}
		return c.print(http.MethodPost, "/api/groups", map[string]string{
			"name": strings.Join(fs.Args(), " "), "password": *password,
		})
	case "group-invite":
		if len(args) != 2 {
			return errors.New("usage: group-invite GROUP USER")
		}
		return c.print(http.MethodPost, "/api/groups/"+url.PathEscape(args[0])+"/invite", map[string]string{"user": args[1]})
	case "group-join":
		fs := flag.NewFlagSet("group-join", flag.ExitOnError)
		password := fs.String("password", "", "Group password")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			return errors.New("usage: group-join [-password pw] GROUP")
		}
		return c.print(http.MethodPost, "/api/groups/"+url.PathEscape(fs.Arg(0))+"/join", map[string]string{"password": *password})
	case "group-leave":
		if len(args) != 1 {
			return errors.New("usage: group-leave GROUP")
		}
		return c.print(http.MethodPost, "/api/groups/"+url.PathEscape(args[0])+"/leave", nil)
	case "challenges":
		return c.print(http.MethodGet, "/api/challenges", nil)
	case "call":
		fs := flag.NewFlagSet("call", flag.ExitOnError)
		video := fs.Bool("video", false, "Request video")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			return errors.New("usage: call [-video] USER")
		}
		return c.print(http.MethodPost, "/api/call", map[string]any{"peer": fs.Arg(0), "video": *video})
	case "accept", "reject", "hangup":
		return c.print(http.MethodPost, "/api/call/"+cmd, nil)
	case "events":
		return c.events()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// print performs the request and writes the JSON response, indented, to
// stdout.
func (c *client) print(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return errors.New(resp.Status)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		fmt.Println("ok")
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	fmt.Println(out.String())
	return nil
}

func (c *client) events() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Println(string(data))
	}
}
