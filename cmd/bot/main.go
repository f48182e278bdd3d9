// Command bot is a scripted bridge: it plays a game inside the abstract model,
// streams observations to the planner and starts whatever the plan asks for.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"buildplan.ai/internal/protocol"
	"buildplan.ai/internal/sim/catalogs"
)

const tagBase = 1000

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "bot name")
		configDir  = flag.String("configs", "./configs", "config directory")
		race       = flag.String("race", "Protoss", "our race")
		enemyRace  = flag.String("enemy_race", "Zerg", "enemy race")
		reaction   = flag.String("reaction", "", "reaction policy override (fast, medium, slow)")
		step       = flag.Int("step", 22, "game frames per observation")
		frames     = flag.Int("frames", 22*60*8, "stop after this many game frames")
		enemy      = flag.String("enemy", "", "enemy unit type to reveal (optional)")
		enemyCount = flag.Int("enemy_count", 3, "how many enemy units to reveal")
		enemyFrame = flag.Int("enemy_frame", 22*60*3, "frame at which the enemy appears")
		pace       = flag.Duration("pace", 0, "wall time to wait between observations")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	cat, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	g, err := newGame(cat, catalogs.Race(*race))
	if err != nil {
		logger.Fatalf("game: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		BotName:         *name,
		Race:            *race,
		EnemyRace:       *enemyRace,
		FPS:             22.4,
		Reaction:        *reaction,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := readMsg(conn, protocol.TypeWelcome, &welcome); err != nil {
		logger.Fatalf("WELCOME: %v", err)
	}
	if welcome.CatalogDigest != cat.Digest() {
		logger.Printf("warning: planner catalog digest %s differs from ours %s", welcome.CatalogDigest, cat.Digest())
	}
	logger.Printf("WELCOME session=%s reaction=%s", welcome.SessionID, welcome.Reaction)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	issued := 0
	for g.s.Frame < *frames {
		select {
		case <-stop:
			return
		default:
		}

		obs := g.observe()
		obs.Issued = issued
		if *enemy != "" && g.s.Frame >= *enemyFrame {
			obs.Enemies = []protocol.EnemyObs{{Type: *enemy, Count: *enemyCount}}
		}
		if err := conn.WriteJSON(obs); err != nil {
			logger.Fatalf("send OBS: %v", err)
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("planner closed: %v", err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		issued = 0
		switch base.Type {
		case protocol.TypePlan:
			var plan protocol.PlanMsg
			if err := json.Unmarshal(msg, &plan); err != nil {
				continue
			}
			if plan.Trigger != "" {
				logger.Printf("frame=%d state=%s trigger=%s queue=%d", plan.Frame, plan.State, plan.Trigger, len(plan.Entries))
			}
			issued = g.issue(plan.Entries)
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			logger.Printf("ERROR code=%s msg=%s", e.Code, e.Message)
			if protocol.IsFatal(e.Code) {
				return
			}
		}

		g.s.FastForward(g.s.Frame + *step)
		if *pace > 0 {
			time.Sleep(*pace)
		}
	}
	logger.Printf("done frame=%d minerals=%d gas=%d supply=%d/%d units=%d",
		g.s.Frame, g.s.Minerals(), g.s.Gas(), g.s.Supply, g.s.MaxSupply, len(g.s.Units))
}

func readMsg(conn *websocket.Conn, typ string, v any) error {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	if base.Type != typ {
		var e protocol.ErrorMsg
		_ = json.Unmarshal(msg, &e)
		return &unexpectedError{typ: base.Type, code: e.Code, msg: e.Message}
	}
	return json.Unmarshal(msg, v)
}

type unexpectedError struct {
	typ, code, msg string
}

func (e *unexpectedError) Error() string {
	return "unexpected " + e.typ + " " + e.code + ": " + e.msg
}
