// Command example drives a tiny chat-style client/server over UDP using a
// relay.Connection with a single reliable-ordered channel, demonstrating the
// application side of the MessageFactory contract: a custom message type,
// a factory that dispatches on it, and a tick loop calling AdvanceTime,
// GeneratePacket and ProcessPacket.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/packetloop/relay"
)

const (
	msgTypeChat uint16 = iota
	numMsgTypes
)

// chatMessage is the one application message type this demo registers:
// embedding relay.BaseMessage satisfies relay.Message, and Serialize is the
// single routine the write, read and measure paths all drive identically.
type chatMessage struct {
	relay.BaseMessage
	Text string
}

func (c *chatMessage) Serialize(s relay.Stream) bool {
	n := len(c.Text)
	if !relay.SerializeIntRange(s, &n, 0, 1024) {
		return false
	}
	buf := make([]byte, n)
	if s.IsWriting() || s.IsMeasuring() {
		copy(buf, c.Text)
	}
	if !s.SerializeBytes(buf) {
		return false
	}
	if s.IsReading() {
		c.Text = string(buf)
	}
	return true
}

func newFactory(allocator relay.Allocator) *relay.Factory {
	f := relay.NewFactory(allocator, int(numMsgTypes))
	f.RegisterType(msgTypeChat, func() relay.Message {
		m := &chatMessage{BaseMessage: relay.NewBaseMessage()}
		return m
	})
	return f
}

var (
	name = flag.String("name", "server", "name of connection")
	addr = flag.String("addr", "0.0.0.0:8987", "host and port of connection")
)

var (
	packetConn net.PacketConn
	clients    = map[string]net.Addr{}
	conn       net.Conn
)

const tickRate = 20

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Parse()
	rand.Seed(time.Now().UnixNano())

	cfg := relay.NewDefaultConnectionConfig()
	allocator := relay.NewHeapAllocator()
	factory := newFactory(allocator)

	c, err := relay.NewConnection(*cfg, factory)
	if err != nil {
		log.Fatal(err)
	}

	incoming := make(chan []byte, 1000)

	if *name == "server" {
		packetConn, err = net.ListenPacket("udp", *addr)
		if err != nil {
			log.Fatal(err)
		}
		defer packetConn.Close()
		go func() {
			for {
				buf := make([]byte, cfg.MaxPacketSize)
				n, a, err := packetConn.ReadFrom(buf)
				if err != nil {
					log.Fatal(err)
				}
				clients[a.String()] = a
				incoming <- buf[:n]
			}
		}()
		fmt.Println("server ready")
	} else {
		conn, err = net.Dial("udp", *addr)
		if err != nil {
			log.Fatal(err)
		}
		defer conn.Close()
		go func() {
			for {
				buf := make([]byte, cfg.MaxPacketSize)
				n, err := conn.Read(buf)
				if err != nil {
					log.Fatal(err)
				}
				incoming <- buf[:n]
			}
		}()
		fmt.Println("client ready, type a line and press enter")
	}

	lines := make(chan string, 16)
	if *name != "server" {
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()
	}

	ticker := time.NewTicker(time.Second / tickRate)
	defer ticker.Stop()

	var seq uint16
	start := time.Now()

	for range ticker.C {
		now := time.Since(start).Seconds()
		c.AdvanceTime(now)

		drained := true
		for drained {
			select {
			case buf := <-incoming:
				c.ProcessPacket(relay.PeekSequence(buf), buf)
			default:
				drained = false
			}
		}

		select {
		case line := <-lines:
			m := factory.Create(msgTypeChat).(*chatMessage)
			m.Text = line
			c.SendMessage(0, m)
		default:
		}

		for {
			m := c.ReceiveMessage(0)
			if m == nil {
				break
			}
			chat := m.(*chatMessage)
			fmt.Printf("[%d] %s\n", chat.ID(), chat.Text)
			factory.Release(m)
		}

		buf := make([]byte, cfg.MaxPacketSize)
		n, ok := c.GeneratePacket(seq, buf)
		if ok && n > 0 {
			broadcast(buf[:n])
		}
		seq++
	}
}

func broadcast(packet []byte) {
	if packetConn != nil {
		for _, a := range clients {
			if _, err := packetConn.WriteTo(packet, a); err != nil {
				log.Println(err)
			}
		}
		return
	}
	if conn != nil {
		if _, err := conn.Write(packet); err != nil {
			log.Println(err)
		}
	}
}
