// Command client watches pull requests through a relay server: it connects
// with an instance id, subscribes to the given PRs, and prints relayed events
// as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chadreview/relay/pkg/client"
	"github.com/chadreview/relay/pkg/event"
	"github.com/chadreview/relay/pkg/logger"
)

// prPattern matches owner/repo#number.
var prPattern = regexp.MustCompile(`^([^/\s]+)/([^#/\s]+)#(\d+)$`)

type prList []event.PrKey

func (l *prList) String() string {
	return fmt.Sprint([]event.PrKey(*l))
}

func (l *prList) Set(value string) error {
	m := prPattern.FindStringSubmatch(value)
	if m == nil {
		return fmt.Errorf("invalid PR %q, expected owner/repo#number", value)
	}
	number, err := strconv.Atoi(m[3])
	if err != nil {
		return err
	}
	key := event.PrKey{Owner: m[1], Repo: m[2], Number: number}
	if err := key.Validate(); err != nil {
		return err
	}
	*l = append(*l, key)
	return nil
}

func run() error {
	var prs prList
	var (
		serverURL  = flag.String("server", "http://localhost:8080", "relay server URL")
		instanceID = flag.String("instance", os.Getenv("RELAY_INSTANCE_ID"), "instance id (generated when empty)")
	)
	flag.Var(&prs, "pr", "pull request to watch as owner/repo#number (repeatable)")
	flag.Parse()

	if len(prs) == 0 {
		return errors.New("at least one -pr is required")
	}

	iid := *instanceID
	if iid == "" {
		iid = uuid.NewString()
		log.Printf("generated instance id %s (persist it via RELAY_INSTANCE_ID to keep your webhook URL stable)", iid)
	}
	log.Printf("webhook URL for this instance: %s/webhook/%s", *serverURL, iid)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	c, err := client.New(client.Config{
		ServerURL:  *serverURL,
		InstanceID: iid,
		Logger:     logger.Default(),
		OnEvent: func(ev client.Event) {
			if err := enc.Encode(ev.Payload); err != nil {
				log.Printf("encode event: %v", err)
			}
		},
		OnConnect: func() {
			log.Printf("connected to %s", *serverURL)
		},
		OnDisconnect: func(err error) {
			log.Printf("disconnected: %v", err)
		},
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	// Subscriptions retry until the first connection is up, for at most 15s.
	subCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for _, key := range prs {
		if err := subscribeWithRetry(subCtx, c, key); err != nil {
			c.Stop()
			return fmt.Errorf("subscribe %s: %w", key, err)
		}
		log.Printf("watching %s", key)
	}

	select {
	case <-ctx.Done():
		c.Stop()
		c.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

// subscribeWithRetry retries until the client has a live connection to send
// on, since Start connects asynchronously.
func subscribeWithRetry(ctx context.Context, c *client.Client, key event.PrKey) error {
	for {
		err := c.Subscribe(ctx, key)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
