package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nzlov/medsync/client"
	"github.com/nzlov/medsync/client/store"
	"github.com/nzlov/medsync/protocol"
	"github.com/nzlov/medsync/role"
)

var (
	server   = flag.String("server", "", "hub websocket url, e.g. ws://localhost:8080/ws")
	httpURL  = flag.String("http", "", "hub http url for the backup poll")
	user     = flag.String("user", "", "user id")
	userRole = flag.String("role", "patient", "patient, doctor, chemist or admin")
	db       = flag.String("db", "device.db", "local store")
	secret   = flag.String("secret", "", "handshake secret (default $SECRET)")
	poll     = flag.Duration("poll", 30*time.Second, "backup poll interval")
)

const help = `commands:
  add <collection> <json>
  update <collection> <id> <json>
  delete <collection> <id>
  list <collection>
  status
  sync
  quit`

func main() {
	_ = godotenv.Load()
	flag.Parse()
	if *secret == "" {
		*secret = os.Getenv("SECRET")
	}

	log, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(log)
	defer log.Sync()
	slog := log.Sugar()

	if *user == "" {
		slog.Fatal("no user")
	}

	st, err := store.OpenSQLite(*db)
	if err != nil {
		slog.Fatal(err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m := client.NewManager(st, client.Options{Logger: slog})
	if err := m.Initialize(ctx, client.Config{
		ServerURL:    *server,
		HTTPURL:      *httpURL,
		AutoConnect:  client.Bool(false),
		PollInterval: *poll,
		Secret:       *secret,
	}); err != nil {
		slog.Fatal(err)
	}

	o := role.New(m, role.WithLogger(slog))
	o.OnNotification(func(n role.Notification) {
		if n.Operation == client.OpSync {
			fmt.Printf("[%s] sync: %d documents\n", n.Collection, len(n.Documents))
			return
		}
		fmt.Printf("[%s] %s %s\n", n.Collection, n.Operation, n.Document.ID())
	})
	if err := o.Initialize(role.User{ID: *user, Role: role.Role(*userRole)}); err != nil {
		slog.Fatal(err)
	}
	defer o.Shutdown()
	fmt.Println("device", m.DeviceID())
	fmt.Println(help)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	c := m.Client()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(c, o, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func run(c *client.Client, o *role.Orchestrator, line string) bool {
	args := strings.SplitN(line, " ", 3)
	switch args[0] {
	case "":
	case "add":
		if len(args) < 3 {
			fmt.Println(help)
			return false
		}
		d, err := parseDoc(args[2])
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		id, err := c.AddData(args[1], d)
		report(id, err)
	case "update":
		if len(args) < 3 {
			fmt.Println(help)
			return false
		}
		rest := strings.SplitN(args[2], " ", 2)
		if len(rest) < 2 {
			fmt.Println(help)
			return false
		}
		d, err := parseDoc(rest[1])
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		report(rest[0], c.UpdateData(args[1], rest[0], d))
	case "delete":
		if len(args) < 3 {
			fmt.Println(help)
			return false
		}
		report(args[2], c.DeleteData(args[1], args[2]))
	case "list":
		if len(args) < 2 {
			fmt.Println(help)
			return false
		}
		docs, err := c.GetData(args[1])
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		for _, d := range docs {
			b, _ := json.Marshal(d)
			fmt.Println(string(b))
		}
	case "status":
		b, _ := json.Marshal(o.GetSyncStatus())
		fmt.Printf("%s state=%s pending=%d healthy=%v exhausted=%v\n", b, c.State(), c.PendingCount(), c.Healthy(), c.Exhausted())
	case "sync":
		report("sync", o.ForceSync())
	case "quit", "exit":
		return true
	default:
		fmt.Println(help)
	}
	return false
}

func parseDoc(s string) (protocol.Document, error) {
	d := protocol.Document{}
	err := json.Unmarshal([]byte(s), &d)
	return d, err
}

func report(what string, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("ok", what)
}
