// Command fuzz feeds a Connection random, almost-certainly-malformed bytes
// on ProcessPacket, looking for a panic: the decode path must reject garbage
// cleanly (a false return or an *Error), never crash. A terminal error from
// garbage input is expected too; the connection is Reset and fuzzing goes on.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/op/go-logging"

	"github.com/packetloop/relay"
)

var globalTime = 100.0

var conn *relay.Connection

const maxPacketBytes = 16 * 1024

func main() {
	logging.SetLevel(logging.CRITICAL, "relay")

	numIterations := -1
	if len(os.Args) > 1 {
		var err error
		numIterations, err = strconv.Atoi(os.Args[1])
		if err != nil {
			panic("argument 1 must be an integer")
		}
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

	if numIterations > 0 {
		for i := 0; i < numIterations; i++ {
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

	factory := relay.NewFactory(relay.NewHeapAllocator(), 0)

	var err error
	conn, err = relay.NewConnection(*cfg, factory)
	if err != nil {
		panic(err)
	}
}

var iterCount int

func iteration(t float64) {
	fmt.Print(".")
	iterCount++
	if iterCount%64 == 0 {
		fmt.Println()
	}

	packetBytes := rand.Intn(maxPacketBytes-1) + 1
	packetData := make([]byte, packetBytes)
	for i := range packetData {
		packetData[i] = byte(rand.Intn(256))
	}

	seq := relay.PeekSequence(packetData)
	conn.ProcessPacket(seq, packetData)
	conn.AdvanceTime(t)

	if err := conn.GetError(); err != nil && err.Kind.Terminal() {
		conn.Reset()
	}
}
