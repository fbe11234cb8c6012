package conversation

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/NethermindEth/agent-lounge/ai"
	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
)

// Catalog describes tradable assets for prompts.
type Catalog interface {
	Describe(assetID string) (topic string, ok bool)
}

func systemPrompt(room *core.Room, speaker, other *core.Agent, catalog Catalog) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, hanging out in a lounge room", speaker.Name)
	if room.Name != "" {
		fmt.Fprintf(&sb, " called %q", room.Name)
	}
	fmt.Fprintf(&sb, " with %s.\n", other.Name)
	if speaker.Personality != "" {
		fmt.Fprintf(&sb, "Personality: %s\n", speaker.Personality)
	}
	if speaker.Instructions != "" {
		fmt.Fprintf(&sb, "Instructions: %s\n", speaker.Instructions)
	}
	if room.Vibe != "" {
		fmt.Fprintf(&sb, "Room vibe: %s\n", room.Vibe)
	}
	if len(room.Rules) > 0 {
		fmt.Fprintf(&sb, "Room rules: %s\n", strings.Join(room.Rules, "; "))
	}
	if len(speaker.Topics) > 0 {
		fmt.Fprintf(&sb, "You know about: %s\n", strings.Join(speaker.Topics, ", "))
	}
	if len(speaker.Wishlist) > 0 {
		fmt.Fprintf(&sb, "You want to learn about: %s\n", strings.Join(speaker.Wishlist, ", "))
	}

	fmt.Fprintf(&sb, "Your balance: %d credits.\n", speaker.Balance)
	if len(speaker.Holdings) > 0 {
		sb.WriteString("Your tradable holdings:\n")
		for _, id := range slices.Sorted(maps.Keys(speaker.Holdings)) {
			desc := id
			if catalog != nil {
				if topic, ok := catalog.Describe(id); ok {
					desc = fmt.Sprintf("%s (%s)", id, topic)
				}
			}
			fmt.Fprintf(&sb, "- %s\n", desc)
		}
	}

	if offer := room.PendingOffer(); offer != nil {
		if offer.ToID == speaker.ID {
			fmt.Fprintf(&sb, "%s offered you asset %s for %d credits. Call accept_offer to buy it, or keep talking.\n",
				other.Name, offer.AssetID, offer.Price)
		} else {
			fmt.Fprintf(&sb, "Your offer of %s for %d credits is waiting for %s.\n", offer.AssetID, offer.Price, other.Name)
		}
	}

	sb.WriteString("Reply in one or two short sentences, in character. Use the tools to trade or to leave.")
	return sb.String()
}

// history renders the thread from the speaker's side. Tool-only turns are
// described in parentheses. A thread where nothing has been said or done
// yet gets an opener prompt instead.
func history(thread communication.Thread, speaker, other *core.Agent, limit int) []ai.Message {
	out := make([]ai.Message, 0, len(thread.History))
	for _, t := range thread.History {
		content := t.Text
		if content == "" {
			if t.Action == "" {
				continue
			}
			content = "(" + t.Action + ")"
		}
		role := ai.RoleUser
		if t.AgentID == speaker.ID {
			role = ai.RoleAssistant
		}
		out = append(out, ai.Message{Role: role, Content: content})
	}
	if len(out) == 0 {
		return []ai.Message{{
			Role:    ai.RoleUser,
			Content: fmt.Sprintf("You meet %s; start a conversation.", other.Name),
		}}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
