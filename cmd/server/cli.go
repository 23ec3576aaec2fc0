package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newCLICommand(stdout io.Writer) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "cli <command> [args...]",
		Short: "Send one command to a node's client port",
		Long: `
Sends one RESP command and prints the reply. MOVED and ASK replies are
printed as returned; the client does not follow them.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runCLI(fmt.Sprintf("%s:%d", host, port), args, stdout)
		},
	}
	cmd.Flags().StringVarP(&host, "host", "H", "127.0.0.1", "server host")
	cmd.Flags().IntVarP(&port, "port", "p", 6379, "server port")
	return cmd
}

func runCLI(addr string, args []string, stdout io.Writer) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return errors.Wrapf(err, "connect %s", addr)
	}
	defer conn.Close()

	var req strings.Builder
	fmt.Fprintf(&req, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&req, "$%d\r\n%s\r\n", len(arg), arg)
	}
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return errors.Wrap(err, "send")
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	rd := bufio.NewReader(conn)
	line, err := rd.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "read")
	}
	line = strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(line, "$") && line != "$-1":
		body, err := rd.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "read")
		}
		fmt.Fprintln(stdout, strings.TrimRight(body, "\r\n"))
	case line == "$-1":
		fmt.Fprintln(stdout, "(nil)")
	case strings.HasPrefix(line, "-"):
		fmt.Fprintln(stdout, "(error) "+line[1:])
	case strings.HasPrefix(line, ":"):
		fmt.Fprintln(stdout, "(integer) "+line[1:])
	default:
		fmt.Fprintln(stdout, strings.TrimPrefix(line, "+"))
	}
	return nil
}
