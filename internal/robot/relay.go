package robot

import (
	"context"
	"log/slog"
	"strings"
)

// Command is a token the peripheral firmware matches literally.
type Command string

const (
	CommandHappy    Command = "happy"
	CommandAngry    Command = "angry"
	CommandThink    Command = "think"
	CommandConfused Command = "confused"

	// CommandStream tells the peripheral to pull audio from the bridge.
	CommandStream Command = "stream"
)

var moods = []Command{CommandHappy, CommandAngry, CommandThink, CommandConfused}

// Moods returns the mood commands in display order.
func Moods() []Command {
	return append([]Command(nil), moods...)
}

// ParseMood normalizes s and returns the matching mood command.
func ParseMood(s string) (Command, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for _, m := range moods {
		if string(m) == normalized {
			return m, nil
		}
	}
	return "", &InvalidMoodError{Mood: normalized}
}

// Relay turns logical commands into single transport writes.
type Relay struct {
	sender Sender
	log    *slog.Logger
}

// NewRelay returns a Relay that delivers through sender.
func NewRelay(sender Sender, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{sender: sender, log: logger.With("component", "robot.relay")}
}

// Express makes the robot play the beeps for mood. Invalid moods are
// rejected before the transport is touched.
func (r *Relay) Express(ctx context.Context, mood string) (string, error) {
	cmd, err := ParseMood(mood)
	if err != nil {
		return "", err
	}
	if err := r.send(ctx, cmd); err != nil {
		return "", err
	}
	return "Robot expressed: " + string(cmd), nil
}

// StreamAudio triggers the robot to fetch and play audio from the bridge.
func (r *Relay) StreamAudio(ctx context.Context) (string, error) {
	if err := r.send(ctx, CommandStream); err != nil {
		return "", err
	}
	return "Robot started audio stream.", nil
}

func (r *Relay) send(ctx context.Context, cmd Command) error {
	r.log.Info("sending to robot", "command", string(cmd))
	return r.sender.Send(ctx, []byte(cmd))
}
