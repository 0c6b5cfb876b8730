package command

import (
	"fmt"
	"time"

	"github.com/ent0n29/karmaspark/internal/agent"
	"github.com/ent0n29/karmaspark/internal/config"
)

const botDescription = "KarmaSpark - an agentic assistant with memory, planning and reminders"

// DefaultRegistry registers the built-in commands. Commands for disabled
// features are left out so platforms never offer them.
func DefaultRegistry(cfg config.AgentConfig) (*Registry, error) {
	r := NewRegistry(botDescription)
	cmds := []Command{askCommand(), remindCommand(), cancelReminderCommand(), echoCommand()}
	if cfg.EnableSummarization {
		cmds = append(cmds, summarizeCommand())
	}
	if cfg.EnableModeration {
		cmds = append(cmds, moderateCommand())
	}
	if cfg.EnableMemory {
		cmds = append(cmds, memoryCommand())
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.Name, err)
		}
	}
	return r, nil
}

func textParam(name, description string, required bool, maxLen int) Param {
	return Param{
		Name:        name,
		Description: description,
		Required:    required,
		Kind:        KindString,
		MinLength:   1,
		MaxLength:   maxLen,
		MultiLine:   true,
	}
}

func request(t Target, intent agent.Intent, text string) agent.Request {
	return agent.Request{ConversationID: t.ConversationID, AuthorID: t.AuthorID, Intent: intent, Text: text}
}

func askCommand() Command {
	return Command{
		Definition: Definition{
			Name:        "ask",
			Description: "Ask KarmaSpark anything",
			Placeholder: "Thinking...",
			Params:      []Param{textParam("question", "Your question", true, 4000)},
		},
		Build: func(t Target, a Args) agent.Request {
			return request(t, agent.IntentAsk, a.String("question"))
		},
	}
}

func summarizeCommand() Command {
	return Command{
		Definition: Definition{
			Name:        "summarize",
			Description: "Summarize text, or the recent conversation when empty",
			Placeholder: "Summarizing...",
			Params:      []Param{textParam("text", "Text to summarize", false, 10000)},
		},
		Build: func(t Target, a Args) agent.Request {
			return request(t, agent.IntentSummarize, a.String("text"))
		},
	}
}

func remindCommand() Command {
	return Command{
		Definition: Definition{
			Name:        "remindme",
			Description: "Set a reminder for later",
			Placeholder: "Setting reminder...",
			Params: []Param{
				{
					Name:        "minutes",
					Description: "How many minutes from now to send the reminder",
					Required:    true,
					Kind:        KindInteger,
					MinValue:    1,
					MaxValue:    10080,
				},
				textParam("message", "What you want to be reminded about", true, 1000),
			},
		},
		Build: func(t Target, a Args) agent.Request {
			req := request(t, agent.IntentRemind, a.String("message"))
			req.Delay = time.Duration(a.Int("minutes")) * time.Minute
			return req
		},
	}
}

func cancelReminderCommand() Command {
	return Command{
		Definition: Definition{
			Name:        "cancelreminder",
			Description: "Cancel a pending reminder",
			Params: []Param{{
				Name:      "id",
				Required:  true,
				Kind:      KindString,
				MinLength: 1,
				MaxLength: 64,
			}},
		},
		Build: func(t Target, a Args) agent.Request {
			req := request(t, agent.IntentCancelReminder, "")
			req.ReminderID = a.String("id")
			return req
		},
	}
}

func moderateCommand() Command {
	return Command{
		Definition: Definition{
			Name:        "moderate",
			Description: "Check text against the content policy",
			Placeholder: "Checking...",
			Params:      []Param{textParam("text", "Text to check", true, 10000)},
		},
		Build: func(t Target, a Args) agent.Request {
			return request(t, agent.IntentModerate, a.String("text"))
		},
	}
}

func memoryCommand() Command {
	return Command{
		Definition: Definition{
			Name:        "memory",
			Description: "Store or recall information from memory",
			Placeholder: "Processing memory...",
			Params: []Param{
				{
					Name:        "action",
					Description: "Whether to store or recall a memory",
					Required:    true,
					Kind:        KindString,
					MinLength:   1,
					MaxLength:   10,
					Choices:     []string{"store", "recall"},
				},
				textParam("content", "The memory to store or keywords to recall", true, 1000),
			},
		},
		Build: func(t Target, a Args) agent.Request {
			intent := agent.IntentRemember
			if a.String("action") == "recall" {
				intent = agent.IntentRecall
			}
			return request(t, intent, a.String("content"))
		},
	}
}

func echoCommand() Command {
	return Command{
		Definition: Definition{
			Name:        "echo",
			Description: "Echo back the text",
			Params:      []Param{textParam("text", "Text to echo", true, 1000)},
		},
		Build: func(t Target, a Args) agent.Request {
			return request(t, agent.IntentEcho, a.String("text"))
		},
	}
}
