// Copyright 2024-2026 Aiku AI

package mmclient

import (
	"fmt"
)

var emojiByName = map[string]string{
	"+1":               "\U0001f44d",
	"-1":               "\U0001f44e",
	"heart":            "❤️",
	"smile":            "\U0001f604",
	"laughing":         "\U0001f606",
	"joy":              "\U0001f602",
	"thumbsup":         "\U0001f44d",
	"thumbsdown":       "\U0001f44e",
	"wave":             "\U0001f44b",
	"clap":             "\U0001f44f",
	"fire":             "\U0001f525",
	"100":              "\U0001f4af",
	"tada":             "\U0001f389",
	"eyes":             "\U0001f440",
	"thinking":         "\U0001f914",
	"white_check_mark": "✅",
	"x":                "❌",
	"warning":          "⚠️",
	"rocket":           "\U0001f680",
	"star":             "⭐",
	"pray":             "\U0001f64f",
	"cry":              "\U0001f622",
	"open_mouth":       "\U0001f62e",
}

var nameByEmoji = func() map[string]string {
	out := make(map[string]string, len(emojiByName))
	for name, emoji := range emojiByName {
		// Keep the canonical short names for aliases.
		if name == "thumbsup" || name == "thumbsdown" {
			continue
		}
		out[emoji] = name
	}
	return out
}()

// reactionToEmoji converts a Mattermost emoji name to a Unicode emoji.
// Unknown and custom emoji become :name:.
func reactionToEmoji(name string) string {
	if emoji, ok := emojiByName[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}

// emojiToReaction converts a Unicode emoji or :name: to a Mattermost emoji
// name.
func emojiToReaction(emoji string) string {
	if name, ok := nameByEmoji[emoji]; ok {
		return name
	}
	if len(emoji) > 2 && emoji[0] == ':' && emoji[len(emoji)-1] == ':' {
		return emoji[1 : len(emoji)-1]
	}
	return emoji
}
