// Command chaosproxy is a TCP proxy that periodically severs every live
// connection to exercise a presencehub Client's reconnect/backoff path
// against real network flaps, rather than a mocked dial failure. Grounded
// directly on the teacher's test/chaos-proxy.go, which did the same thing
// for its gRPC stream.
package main

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	minUp = 20 * time.Second
	maxUp = 60 * time.Second
	minDown = 5 * time.Second
	maxDown = 30 * time.Second
)

// chaosProxy flips between passing traffic through and killing every live
// connection on a randomized schedule.
type chaosProxy struct {
	online bool
	flipAt time.Time
	live   []net.Conn
	mu     sync.Mutex
}

func newChaosProxy() *chaosProxy {
	return &chaosProxy{
		online: true,
		flipAt: time.Now().Add(randomDuration(minUp, maxUp)),
		live:   make([]net.Conn, 0),
	}
}

func randomDuration(min, max time.Duration) time.Duration {
	diff := int64(max - min)
	n, _ := rand.Int(rand.Reader, big.NewInt(diff))
	return min + time.Duration(n.Int64())
}

func (cp *chaosProxy) flip() {
	for {
		time.Sleep(500 * time.Millisecond)

		now := time.Now()
		if !now.After(cp.flipAt) {
			continue
		}

		cp.mu.Lock()
		cp.online = !cp.online

		status := "OFFLINE"
		if cp.online {
			status = "ONLINE"
			cp.flipAt = now.Add(randomDuration(minUp, maxUp))
		} else {
			for _, conn := range cp.live {
				conn.Close()
			}
			cp.live = cp.live[:0]
			cp.flipAt = now.Add(randomDuration(minDown, maxDown))
		}
		log.Printf("[chaosproxy] hub link %s", status)
		cp.mu.Unlock()
	}
}

func (cp *chaosProxy) handleConnection(client net.Conn, remoteHost string, remotePort int) {
	defer client.Close()

	cp.mu.Lock()
	if !cp.online {
		cp.mu.Unlock()
		return
	}
	cp.mu.Unlock()

	hub, err := net.Dial("tcp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		log.Printf("[chaosproxy] failed to reach hub: %v", err)
		return
	}
	defer hub.Close()

	if tcpClient, ok := client.(*net.TCPConn); ok {
		tcpClient.SetNoDelay(true)
	}
	if tcpHub, ok := hub.(*net.TCPConn); ok {
		tcpHub.SetNoDelay(true)
	}

	cp.mu.Lock()
	cp.live = append(cp.live, client, hub)
	cp.mu.Unlock()

	defer func() {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		newLive := make([]net.Conn, 0, len(cp.live))
		for _, conn := range cp.live {
			if conn != client && conn != hub {
				newLive = append(newLive, conn)
			}
		}
		cp.live = newLive
	}()

	done := make(chan error, 2)
	go func() { _, err := io.Copy(hub, client); done <- err }()
	go func() { _, err := io.Copy(client, hub); done <- err }()
	<-done
}

func (cp *chaosProxy) start() {
	localPortStr := os.Getenv("CHAOSPROXY_LOCAL_PORT")
	if localPortStr == "" {
		log.Fatal("CHAOSPROXY_LOCAL_PORT is required")
	}
	localPort, err := strconv.Atoi(localPortStr)
	if err != nil {
		log.Fatalf("CHAOSPROXY_LOCAL_PORT must be an integer: %v", err)
	}

	remoteHost := os.Getenv("CHAOSPROXY_HUB_HOST")
	if remoteHost == "" {
		log.Fatal("CHAOSPROXY_HUB_HOST is required")
	}
	remotePortStr := os.Getenv("CHAOSPROXY_HUB_PORT")
	if remotePortStr == "" {
		log.Fatal("CHAOSPROXY_HUB_PORT is required")
	}
	remotePort, err := strconv.Atoi(remotePortStr)
	if err != nil {
		log.Fatalf("CHAOSPROXY_HUB_PORT must be an integer: %v", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		log.Fatalf("failed to listen on port %d: %v", localPort, err)
	}
	defer listener.Close()

	log.Printf("[chaosproxy] listening on :%d -> %s:%d", localPort, remoteHost, remotePort)
	go cp.flip()

	for {
		client, err := listener.Accept()
		if err != nil {
			log.Printf("[chaosproxy] accept failed: %v", err)
			continue
		}
		go cp.handleConnection(client, remoteHost, remotePort)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("starting chaosproxy")

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	newChaosProxy().start()
}
