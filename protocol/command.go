package protocol

import (
	"errors"
	"fmt"
)

var ErrInvalidCommand = errors.New("invalid command")

// Command is one of the closed set of commands understood by the host process.
type Command int

const (
	// the zero value is deliberately not a valid command
	_ Command = iota
	OpenNewConnection
	KeepAlive
	Ping
)

type commandInfo struct {
	name  string
	token string
}

var commands = map[Command]commandInfo{
	OpenNewConnection: {name: "OpenNewConnection", token: "OpenNewConnection"},
	KeepAlive:         {name: "KeepAlive", token: "KeepAlive"},
	Ping:              {name: "Ping", token: "PING\n"},
}

// Commands returns all valid commands.
func Commands() []Command {
	return []Command{OpenNewConnection, KeepAlive, Ping}
}

// ParseCommand returns the command with the given name.
func ParseCommand(name string) (Command, error) {
	for c, info := range commands {
		if info.name == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrInvalidCommand, name)
}

func (c Command) Valid() bool {
	_, ok := commands[c]
	return ok
}

func (c Command) String() string {
	info, ok := commands[c]
	if !ok {
		return fmt.Sprintf("Command(%d)", int(c))
	}
	return info.name
}

// Encode returns the wire token for c, or ErrInvalidCommand if c is not a known command.
func Encode(c Command) ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w %s", ErrInvalidCommand, c)
	}
	return []byte(commands[c].token), nil
}
