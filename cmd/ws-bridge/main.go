// ws-bridge exposes an acpbridge subprocess over a WebSocket: each text
// message carries one JSON-RPC frame in either direction. Browser-hosted ACP
// clients cannot spawn local processes, so this front does it for them.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"

	"github.com/gorilla/websocket"
)

// maxFrameBytes matches the bridge's own line cap.
const maxFrameBytes = 1024 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	agentCmd := flag.Args()
	if len(agentCmd) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: ws-bridge [--addr :8080] <bridge-command> [args...]")
		os.Exit(1)
	}

	http.HandleFunc("/ws", handleWS(agentCmd))
	fmt.Printf("WebSocket bridge running on ws://%s/ws\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// handleWS spawns one bridge subprocess per connection and splices frames
// between the socket and its stdio.
func handleWS(cmdArgs []string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("stdin pipe error:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("stdout pipe error:", err)
			return
		}

		if err := cmd.Start(); err != nil {
			log.Println("error starting bridge:", err)
			return
		}
		defer func() {
			stdin.Close()
			cmd.Wait()
		}()

		// Bridge stdout frames → WebSocket text messages.
		go func() {
			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
			for scanner.Scan() {
				if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
					log.Println("ws write error:", err)
					return
				}
			}
			// The subprocess is gone; drop the socket so the client notices.
			conn.Close()
		}()

		// WebSocket text messages → bridge stdin, one frame per line.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Println("ws read error:", err)
				}
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("stdin write error:", err)
				return
			}
		}
	}
}
