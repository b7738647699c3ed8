// Command pmp-cli is a thin command-line client for a PMP server, modeled
// on the reference CLI surface: `<host> [<port>] [login <user> :] <command>`.
package main

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hyperquantum/pmp/internal/pmp/client"
	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/protocol"
	"github.com/hyperquantum/pmp/internal/pmp/queue"
)

const (
	exitSuccess        = 0
	exitUsageError     = 1
	exitConnectionAuth = 2
	exitCommandFailed  = 3
)

const requestTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	host, port, login, rest, err := parseTarget(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: pmp-cli <host> [<port>] [login [<user> [-]] :] <command> [args...]")
		fmt.Fprintln(os.Stderr, err)
		return exitUsageError
	}
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "missing command")
		return exitUsageError
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	c, err := client.Dial(addr, "pmp-cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return exitConnectionAuth
	}
	defer c.Close()

	if login != nil {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		pw := client.ComputeLoginPassword(nil, login.password)
		res, err := c.Login(ctx, login.user, pw)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "login: %v\n", err)
			return exitConnectionAuth
		}
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "login rejected: %v\n", res.Err)
			return exitConnectionAuth
		}
	}

	return dispatch(c, rest)
}

type loginSpec struct {
	user     string
	password string
}

// parseTarget splits "<host> [<port>] [login [<user> [-]] :] <command...>".
// The password is never taken from the argument list: with or without a
// user, and with or without a trailing "-" after the user, the CLI prompts
// on stderr and reads the password from stdin as a single line.
func parseTarget(args []string) (host string, port int, login *loginSpec, rest []string, err error) {
	if len(args) == 0 {
		return "", 0, nil, nil, fmt.Errorf("no arguments given")
	}
	host = args[0]
	args = args[1:]
	port = 23432

	if len(args) > 0 {
		if n, convErr := strconv.Atoi(args[0]); convErr == nil {
			port = n
			args = args[1:]
		}
	}

	if len(args) > 0 && args[0] == "login" {
		args = args[1:]
		spec := &loginSpec{}
		if len(args) > 0 && args[0] != ":" {
			spec.user = args[0]
			args = args[1:]
			if len(args) > 0 && args[0] == "-" {
				args = args[1:]
			}
		}
		if len(args) == 0 || args[0] != ":" {
			return "", 0, nil, nil, fmt.Errorf("login clause must end with ':'")
		}
		args = args[1:]
		fmt.Fprint(os.Stderr, "password: ")
		pw, readErr := readLine()
		if readErr != nil {
			return "", 0, nil, nil, fmt.Errorf("read password: %w", readErr)
		}
		spec.password = pw
		login = spec
	}

	return host, port, login, args, nil
}

func readLine() (string, error) {
	var line string
	_, err := fmt.Scanln(&line)
	return line, err
}

func dispatch(c *client.Client, args []string) int {
	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "status", "nowplaying":
		return cmdStatus(c)
	case "play":
		return cmdSimple(c.Play, "play")
	case "pause":
		return cmdSimple(c.Pause, "pause")
	case "skip":
		return cmdSimple(c.Skip, "skip")
	case "volume":
		return cmdVolume(c, rest)
	case "insert":
		return cmdInsert(c, rest)
	case "qdel":
		return cmdQueueDelete(c, rest)
	case "qmove":
		return cmdQueueMove(c, rest)
	case "history":
		return cmdHistory(c, rest)
	case "serverversion":
		fmt.Println(c.NegotiatedVersion())
		return exitSuccess
	case "scrobbling":
		return cmdScrobbling(c, rest)
	case "delayedstart":
		return cmdDelayedStart(c, rest)
	case "break", "queue", "personalmode", "publicmode", "dynamicmode",
		"start", "shutdown", "reloadserversettings",
		"trackinfo", "trackstats", "trackhistory":
		fmt.Fprintf(os.Stderr, "%s: not supported by this server (no corresponding wire message)\n", cmd)
		return exitCommandFailed
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return exitUsageError
	}
}

func cmdSimple(fn func() error, name string) int {
	if err := fn(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return exitCommandFailed
	}
	return exitSuccess
}

func cmdStatus(c *client.Client) int {
	received := make(chan protocol.PlayerStateMessage, 1)
	c.OnPlayerState = func(msg protocol.PlayerStateMessage) {
		select {
		case received <- msg:
		default:
		}
	}
	if err := c.GetPlayerState(); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitCommandFailed
	}
	select {
	case msg := <-received:
		fmt.Printf("state=%d volume=%d queue_length=%d current_queue_id=%d position_ms=%d delayed_start=%v\n",
			msg.State, msg.Volume, msg.QueueLength, msg.CurrentQueueID, msg.PositionMillis, msg.DelayedStart)
		return exitSuccess
	case <-time.After(requestTimeout):
		fmt.Fprintln(os.Stderr, "status: timed out waiting for server")
		return exitCommandFailed
	}
}

func cmdVolume(c *client.Client, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: volume [0..100]")
		return exitUsageError
	}
	v, err := strconv.Atoi(args[0])
	if err != nil || v < 0 || v > 100 {
		fmt.Fprintln(os.Stderr, "volume must be an integer between 0 and 100")
		return exitUsageError
	}
	if err := c.SetVolume(uint8(v)); err != nil {
		fmt.Fprintf(os.Stderr, "volume: %v\n", err)
		return exitCommandFailed
	}
	return exitSuccess
}

// parseHash accepts the CLI hash notation "<length>:<sha1hex>:<md5hex>",
// the only textual encoding this client defines for a FileHash (there is
// no wire message to resolve a human name to a hash).
func parseHash(s string) (hashid.FileHash, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return hashid.FileHash{}, fmt.Errorf("hash must be <length>:<sha1hex>:<md5hex>")
	}
	length, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return hashid.FileHash{}, fmt.Errorf("invalid length: %w", err)
	}
	sha1b, err := hex.DecodeString(parts[1])
	if err != nil || len(sha1b) != sha1.Size {
		return hashid.FileHash{}, fmt.Errorf("invalid sha1")
	}
	md5b, err := hex.DecodeString(parts[2])
	if err != nil || len(md5b) != md5.Size {
		return hashid.FileHash{}, fmt.Errorf("invalid md5")
	}
	return hashid.FromParts(length, sha1b, md5b)
}

func cmdInsert(c *client.Client, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: insert <item> <position>")
		return exitUsageError
	}
	hash, err := parseHash(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "insert: %v\n", err)
		return exitUsageError
	}
	pos, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "insert: position must be an integer")
		return exitUsageError
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var res client.QueueInsertionResult
	if pos == 0 {
		res, err = c.InsertHashAtFront(ctx, hash)
	} else {
		res, err = c.InsertHashAtIndex(ctx, hash, queue.IndexNormal, int32(pos))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "insert: %v\n", err)
		return exitCommandFailed
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "insert rejected: %v\n", res.Err)
		return exitCommandFailed
	}
	fmt.Printf("queued id=%d index=%d\n", res.QueueID, res.Index)
	return exitSuccess
}

func cmdQueueDelete(c *client.Client, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: qdel <qid>")
		return exitUsageError
	}
	qid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qdel: qid must be an integer")
		return exitUsageError
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	res, err := c.RemoveQueueEntry(ctx, uint32(qid))
	if err != nil {
		fmt.Fprintf(os.Stderr, "qdel: %v\n", err)
		return exitCommandFailed
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "qdel rejected: %v\n", res.Err)
		return exitCommandFailed
	}
	return exitSuccess
}

func cmdQueueMove(c *client.Client, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: qmove <qid> ±N")
		return exitUsageError
	}
	qid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qmove: qid must be an integer")
		return exitUsageError
	}
	delta, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "qmove: delta must be a signed integer")
		return exitUsageError
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	res, err := c.MoveQueueEntry(ctx, uint32(qid), int32(delta))
	if err != nil {
		fmt.Fprintf(os.Stderr, "qmove: %v\n", err)
		return exitCommandFailed
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "qmove rejected: %v\n", res.Err)
		return exitCommandFailed
	}
	return exitSuccess
}

// cmdScrobbling drives "scrobbling enable|disable|status|authenticate
// <provider> [<user> <password>]" against the server's scrobbling backend.
func cmdScrobbling(c *client.Client, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: scrobbling enable|disable|status|authenticate <provider> [<user> <password>]")
		return exitUsageError
	}
	var action protocol.ScrobblingAction
	switch args[0] {
	case "enable":
		action = protocol.ScrobblingEnable
	case "disable":
		action = protocol.ScrobblingDisable
	case "status":
		action = protocol.ScrobblingStatus
	case "authenticate":
		action = protocol.ScrobblingAuthenticate
	default:
		fmt.Fprintf(os.Stderr, "scrobbling: unknown verb %q\n", args[0])
		return exitUsageError
	}

	var provider, username, password string
	rest := args[1:]
	if len(rest) > 0 {
		provider = rest[0]
		rest = rest[1:]
	}
	if action == protocol.ScrobblingAuthenticate {
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "usage: scrobbling authenticate <provider> <user> <password>")
			return exitUsageError
		}
		username, password = rest[0], rest[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	res, err := c.Scrobbling(ctx, action, provider, username, password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scrobbling: %v\n", err)
		return exitCommandFailed
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "scrobbling rejected: %v\n", res.Err)
		return exitCommandFailed
	}
	if action == protocol.ScrobblingStatus {
		fmt.Printf("state=%d provider=%s\n", res.IntData, string(res.Blob))
	}
	return exitSuccess
}

// cmdDelayedStart drives "delayedstart wait <N> <unit>|cancel".
func cmdDelayedStart(c *client.Client, args []string) int {
	if !c.SupportsDelayedStart() {
		fmt.Fprintln(os.Stderr, "delayedstart: not supported by the negotiated protocol version")
		return exitCommandFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if len(args) == 1 && (args[0] == "cancel" || args[0] == "abort") {
		res, err := c.CancelDelayedStart(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "delayedstart: %v\n", err)
			return exitCommandFailed
		}
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "delayedstart rejected: %v\n", res.Err)
			return exitCommandFailed
		}
		return exitSuccess
	}

	if len(args) != 3 || args[0] != "wait" {
		fmt.Fprintln(os.Stderr, "usage: delayedstart wait <N> <unit>|cancel")
		return exitUsageError
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "delayedstart: N must be an integer")
		return exitUsageError
	}
	var unit time.Duration
	switch args[2] {
	case "s", "sec", "seconds":
		unit = time.Second
	case "m", "min", "minutes":
		unit = time.Minute
	case "h", "hours":
		unit = time.Hour
	default:
		fmt.Fprintf(os.Stderr, "delayedstart: unknown unit %q\n", args[2])
		return exitUsageError
	}

	res, err := c.ActivateDelayedStart(ctx, time.Duration(n)*unit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "delayedstart: %v\n", err)
		return exitCommandFailed
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "delayedstart rejected: %v\n", res.Err)
		return exitCommandFailed
	}
	return exitSuccess
}

func cmdHistory(c *client.Client, args []string) int {
	startID := uint64(0)
	limit := uint64(20)
	var err error
	if len(args) > 0 {
		startID, err = strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			fmt.Fprintln(os.Stderr, "history: start id must be an integer")
			return exitUsageError
		}
	}
	if len(args) > 1 {
		limit, err = strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			fmt.Fprintln(os.Stderr, "history: limit must be an integer")
			return exitUsageError
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	frag, err := c.GetHistoryFragment(ctx, uint32(startID), uint32(limit))
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return exitCommandFailed
	}
	for _, r := range frag.Records {
		fmt.Printf("id=%d hash_id=%d user_id=%d started_at_ms=%d ended_at_ms=%d permillage=%d valid_for_scoring=%v\n",
			r.ID, r.HashID, r.UserID, r.StartedAtMillis, r.EndedAtMillis, r.Permillage, r.ValidForScoring)
	}
	return exitSuccess
}
