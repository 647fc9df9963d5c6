// Command soak drives a client and server Connection against each other
// in-process, under simulated packet loss, for a configurable number of
// iterations — for catching resource leaks, stuck channels and budget
// violations over a long run.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/op/go-logging"

	"github.com/packetloop/relay"
)

const (
	msgTypeCounter uint16 = iota
	msgTypeBlock
	numMsgTypes
)

type counterMessage struct {
	relay.BaseMessage
	Value uint32
}

func (m *counterMessage) Serialize(s relay.Stream) bool {
	return relay.SerializeUint32(s, &m.Value)
}

type blockMessage struct {
	relay.BaseBlockMessage
	Tag uint32
}

func (m *blockMessage) Serialize(s relay.Stream) bool {
	return relay.SerializeUint32(s, &m.Tag)
}

func newFactory(allocator relay.Allocator) *relay.Factory {
	f := relay.NewFactory(allocator, int(numMsgTypes))
	f.RegisterType(msgTypeCounter, func() relay.Message {
		return &counterMessage{BaseMessage: relay.NewBaseMessage()}
	})
	f.RegisterType(msgTypeBlock, func() relay.Message {
		return &blockMessage{BaseBlockMessage: relay.NewBaseBlockMessage()}
	})
	return f
}

// to profile, run `./soak -cpuprofile=prof -iterations=8000`, then run `go tool pprof soak prof`
var (
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
	iterations = flag.Int("iterations", -1, "number of iterations to run")
	loglevel   = flag.Int("loglevel", int(logging.ERROR), "log level (5 for debug)")
	lossPct    = flag.Int("loss", 5, "simulated packet loss percentage")
)

type endpoint struct {
	conn    *relay.Connection
	factory *relay.Factory
	seq     uint16
}

var client, server endpoint

var globalTime = 100.0

func main() {
	flag.Parse()

	logging.SetLevel(logging.Level(*loglevel), "relay")

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	initialize()

	var quit bool

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)

	go func() {
		<-signals
		quit = true
		close(signals)
	}()

	const deltaTime = .1

	if *iterations > 0 {
		for i := 0; i < *iterations; i++ {
			if quit {
				break
			}
			iteration(globalTime)
			globalTime += deltaTime
		}
	} else {
		for !quit {
			iteration(globalTime)
			globalTime += deltaTime
		}
	}
}

func initialize() {
	cfg := relay.NewDefaultConnectionConfig()
	cfg.Channel[0] = *relay.NewDefaultReliableChannelConfig()

	client.factory = newFactory(relay.NewHeapAllocator())
	server.factory = newFactory(relay.NewHeapAllocator())

	var err error
	client.conn, err = relay.NewConnection(*cfg, client.factory)
	if err != nil {
		log.Fatal(err)
	}
	server.conn, err = relay.NewConnection(*cfg, server.factory)
	if err != nil {
		log.Fatal(err)
	}
}

func transmit(to *relay.Connection, packet []byte) {
	if rand.Intn(100) < *lossPct {
		return
	}
	to.ProcessPacket(relay.PeekSequence(packet), packet)
}

func iteration(t float64) {
	client.conn.AdvanceTime(t)
	server.conn.AdvanceTime(t)

	if client.conn.CanSendMessage(0) {
		m := client.factory.Create(msgTypeCounter).(*counterMessage)
		m.Value = uint32(client.seq)
		client.conn.SendMessage(0, m)
	}

	if client.seq != 0 && client.seq%500 == 0 {
		block := client.factory.Create(msgTypeBlock).(*blockMessage)
		block.Tag = uint32(client.seq)
		data := client.factory.GetAllocator().Allocate(64 * 1024)
		block.AttachBlock(client.factory.GetAllocator(), data)
		if !client.conn.SendMessage(0, block) {
			client.factory.Release(block)
		}
	}

	outClient := make([]byte, 1200)
	if n, ok := client.conn.GeneratePacket(client.seq, outClient); ok && n > 0 {
		transmit(server.conn, outClient[:n])
	}
	client.seq++

	outServer := make([]byte, 1200)
	if n, ok := server.conn.GeneratePacket(server.seq, outServer); ok && n > 0 {
		transmit(client.conn, outServer[:n])
	}
	server.seq++

	for server.conn.ReceiveMessage(0) != nil {
	}
	for client.conn.ReceiveMessage(0) != nil {
	}

	if err := client.conn.GetError(); err != nil {
		log.Fatal("client errored: ", err)
	}
	if err := server.conn.GetError(); err != nil {
		log.Fatal("server errored: ", err)
	}
}
