package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// ApologyReply is the absolute floor of the cascade: returned when even the
// template responder trips over itself.
const ApologyReply = "I'm sorry, I lost my train of thought for a moment. Tell me that again?"

// LocalProvider is the deterministic template responder at the bottom of
// the cascade. It keys replies off the character persona and the latest
// user message and is defined to never fail.
type LocalProvider struct{}

// NewLocalProvider returns the fallback responder.
func NewLocalProvider() *LocalProvider { return &LocalProvider{} }

func (p *LocalProvider) Name() string { return "local" }

// templates cover the common conversational shapes; the verb slot gets the
// character's name and the topic slot echoes the user.
var localTemplates = []string{
	"%[1]s pauses for a moment. \"%[2]s… tell me more about that?\"",
	"\"Mm, %[2]s,\" %[1]s murmurs, thinking it over. \"I like the way you put that.\"",
	"%[1]s smiles. \"You always surprise me. So, %[2]s?\"",
	"\"Go on,\" %[1]s says softly. \"I was just thinking about %[2]s myself.\"",
}

var localGreetings = []string{
	"%s leans in. \"I'm glad you're here. What's on your mind?\"",
	"\"There you are,\" %s says warmly. \"I was hoping you'd come by.\"",
}

// Generate never returns an error: any internal panic is recovered into the
// fixed apology string so the cascade stays total.
func (p *LocalProvider) Generate(_ context.Context, req Request) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = ApologyReply, nil
		}
	}()
	return p.reply(req), nil
}

func (p *LocalProvider) reply(req Request) string {
	name := strings.TrimSpace(req.Character.Name)
	if name == "" {
		name = "She"
	}

	last := strings.TrimSpace(lastUserMessage(req))
	if last == "" {
		if req.Character.Greeting != "" {
			return req.Character.Greeting
		}
		return fmt.Sprintf(localGreetings[hashPick(name, len(localGreetings))], name)
	}

	topic := topicOf(last)
	tmpl := localTemplates[hashPick(last, len(localTemplates))]
	return fmt.Sprintf(tmpl, name, topic)
}

// topicOf reduces the user message to a short echoable fragment.
func topicOf(msg string) string {
	msg = strings.TrimRight(msg, ".!?")
	words := strings.Fields(msg)
	if len(words) > 8 {
		words = words[len(words)-8:]
	}
	topic := strings.ToLower(strings.Join(words, " "))
	if topic == "" {
		return "that"
	}
	return topic
}

// hashPick derives a stable template index from the seed text so the same
// input always gets the same reply.
func hashPick(seed string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return int(h.Sum32() % uint32(n))
}
