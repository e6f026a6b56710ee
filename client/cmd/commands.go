package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/adwski/webrtc-dice/backend/model"
)

const usage = `commands:
  roll             roll all dice
  die <n>          hold or release die n (0-4)
  score <n>        pick score box n
  turn <n>         pass the turn to player n (0-1)
  reset            start a new game
  status           show the table
  quit             leave the table
`

var (
	errUnknownCommand = errors.New("unknown command, type help")
	errBadArgument    = errors.New("bad argument")
)

type commandKind int

const (
	cmdNone commandKind = iota
	cmdHelp
	cmdQuit
	cmdStatus
	cmdSend
)

type command struct {
	kind commandKind
	msg  model.Message
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{kind: cmdNone}, nil
	}

	switch name, args := strings.ToLower(fields[0]), fields[1:]; name {
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	case "status":
		return command{kind: cmdStatus}, nil
	case "roll":
		return command{kind: cmdSend, msg: model.NewUpdateRoll(rollDice())}, nil
	case "reset":
		return command{kind: cmdSend, msg: model.ResetGame{}}, nil
	case "die", "score", "turn":
		if len(args) != 1 {
			return command{}, fmt.Errorf("%w: %s takes one number", errBadArgument, name)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return command{}, fmt.Errorf("%w: %q is not a number", errBadArgument, args[0])
		}
		var msg model.Message
		switch name {
		case "die":
			msg = model.UpdateDie{DieNumber: n}
		case "score":
			msg = model.UpdateScore{ScoreNumber: n}
		default:
			msg = model.ResetTurn{CurrentPlayerIndex: n}
		}
		if err = msg.Validate(); err != nil {
			return command{}, errors.Join(errBadArgument, err)
		}
		return command{kind: cmdSend, msg: msg}, nil
	}
	return command{}, errUnknownCommand
}

func rollDice() [model.DiceCount]int {
	var dice [model.DiceCount]int
	for i := range dice {
		dice[i] = rand.IntN(model.DieFaces) + 1
	}
	return dice
}

// describe renders an event for the console.
func describe(env model.Envelope) string {
	from := ""
	if env.Sender != "" {
		from = " from " + env.Sender
	}
	switch m := env.Data.(type) {
	case model.UpdatePlayers:
		names := make([]string, 0, len(m.Players))
		for _, p := range m.Players {
			names = append(names, p.Name)
		}
		return "players: " + strings.Join(names, ", ")
	case model.ShowPopup:
		return "! " + m.Message
	case model.UpdateRoll:
		return "rolled " + m.Dice + from
	case model.UpdateDie:
		return fmt.Sprintf("die %d toggled%s", m.DieNumber, from)
	case model.UpdateScore:
		return fmt.Sprintf("score box %d picked%s", m.ScoreNumber, from)
	case model.ResetTurn:
		return fmt.Sprintf("turn of player #%d", m.CurrentPlayerIndex)
	case model.ResetGame:
		return "new game" + from
	case model.GameFull:
		return "table is full"
	case model.PeerConnected:
		return m.Name + " connected"
	case model.PeerDisconnected:
		return m.Name + " disconnected"
	case model.UpdateUI:
		return m.Content
	}
	return string(env.Topic()) + from
}
