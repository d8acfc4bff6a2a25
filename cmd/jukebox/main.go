// Package main provides the jukebox command line client. Each invocation
// maps 1:1 onto a protocol command; the exit status is 0 for a 2xx
// response and 1 otherwise.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/osa030/jukeboxd/internal/auth"
	"github.com/osa030/jukeboxd/internal/split"
)

var (
	app        = kingpin.New("jukebox", "jukeboxd command line client")
	configFlag = app.Flag("config", "Path to client config").String()
	serverFlag = app.Flag("server", "Server address (host:port)").String()
	socketFlag = app.Flag("socket", "Server Unix socket path").String()
	userFlag   = app.Flag("user", "Username").String()
	passFlag   = app.Flag("password", "Password").String()

	commandArg = app.Arg("command", "Protocol command").Required().String()
	argsArg    = app.Arg("args", "Command arguments").Strings()
)

// clientConfig is the passwd-style per-user configuration.
type clientConfig struct {
	username string
	password string
	connect  string // host:port
	socket   string
}

func loadClientConfig(path string) (*clientConfig, error) {
	cfg := &clientConfig{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		fields, err := split.Fields(sc.Text(), split.Quotes|split.Comments, nil)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %v", path, lineno, err)
		}
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "username":
			if len(fields) == 2 {
				cfg.username = fields[1]
			}
		case "password":
			if len(fields) == 2 {
				cfg.password = fields[1]
			}
		case "connect":
			if len(fields) == 3 {
				cfg.connect = net.JoinHostPort(fields[1], fields[2])
			}
		case "socket":
			if len(fields) == 2 {
				cfg.socket = fields[1]
			}
		default:
			return nil, fmt.Errorf("%s:%d: unknown directive %q", path, lineno, fields[0])
		}
	}
	return cfg, sc.Err()
}

func main() {
	_ = godotenv.Load()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	path := *configFlag
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".jukebox", "passwd")
		}
	}
	cfg, err := loadClientConfig(path)
	if err != nil {
		fatal("cannot read config: %v", err)
	}
	if *serverFlag != "" {
		cfg.connect = *serverFlag
	}
	if *socketFlag != "" {
		cfg.socket = *socketFlag
	}
	if *userFlag != "" {
		cfg.username = *userFlag
	}
	if *passFlag != "" {
		cfg.password = *passFlag
	}

	var conn net.Conn
	switch {
	case cfg.socket != "":
		conn, err = net.Dial("unix", cfg.socket)
	case cfg.connect != "":
		conn, err = net.Dial("tcp", cfg.connect)
	default:
		fatal("no server configured (use --server or --socket)")
	}
	if err != nil {
		fatal("cannot connect: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	alg, nonce := readGreeting(br)
	if cfg.username != "" {
		login(conn, br, alg, nonce, cfg.username, cfg.password)
	}

	os.Exit(execute(conn, br, *commandArg, *argsArg))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "jukebox: "+format+"\n", args...)
	os.Exit(1)
}

func readLine(br *bufio.Reader) string {
	line, err := br.ReadString('\n')
	if err != nil {
		fatal("connection lost: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func readGreeting(br *bufio.Reader) (alg string, nonce []byte) {
	fields := strings.Fields(readLine(br))
	if len(fields) != 4 || fields[0] != "231" || fields[1] != "2" {
		fatal("unexpected greeting")
	}
	nonce, err := hex.DecodeString(fields[3])
	if err != nil {
		fatal("malformed greeting nonce")
	}
	return fields[2], nonce
}

func login(conn net.Conn, br *bufio.Reader, alg string, nonce []byte, user, password string) {
	response, err := auth.Response(alg, nonce, password)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Fprintf(conn, "user %s %s\n", split.Quote(user), response)
	reply := readLine(br)
	if !strings.HasPrefix(reply, "2") {
		fatal("login failed: %s", reply)
	}
}

// bodyCommands carry a multi-line payload read from stdin.
var bodyCommands = map[string]bool{
	"playlist-set": true,
}

func execute(conn net.Conn, br *bufio.Reader, command string, args []string) int {
	parts := []string{command}
	for _, a := range args {
		parts = append(parts, split.Quote(a))
	}
	fmt.Fprintf(conn, "%s\n", strings.Join(parts, " "))

	if bodyCommands[command] {
		sendBody(conn, os.Stdin)
	}

	reply := readLine(br)
	if len(reply) < 3 {
		fatal("malformed response: %q", reply)
	}
	code, text := reply[:3], strings.TrimSpace(reply[3:])

	switch code[0] {
	case '2':
		switch code {
		case "253":
			if text != "" {
				fmt.Println(text)
			}
			printBody(br)
		case "254":
			// Event log subscription: stream until the server goes away.
			for {
				fmt.Println(readLine(br))
			}
		default:
			if text != "" {
				fmt.Println(text)
			}
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "jukebox: %s\n", reply)
		return 1
	}
}

func sendBody(conn net.Conn, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		fmt.Fprintf(conn, "%s\n", line)
	}
	fmt.Fprintf(conn, ".\n")
}

func printBody(br *bufio.Reader) {
	for {
		line := readLine(br)
		if line == "." {
			return
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		fmt.Println(line)
	}
}
