package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/torchline/configurator/engine/domain"
)

// historyWindow is how many trailing conversation entries the prompt
// carries.
const historyWindow = 6

const systemPrompt = `You are a welding equipment expert. Extract technical requirements
from the user's message into the strict JSON contract below. Reply with a single JSON
object and nothing else.

Contract:
{
  "updates": { "<Component>": { "<attribute>": "<canonical value>" } },
  "needs_clarification": false,
  "clarification_question": "",
  "direct_product_mentions": { "<Component>": "<product name as written>" },
  "confidence": { "<Component>": 0.0 },
  "reasoning": ""
}

Components: PowerSource, Feeder, Cooler, Interconnector, Torch, Accessory.
Only include components the message actually mentions. Canonical value forms:
current "500 A"; voltage "230V"; phase "single-phase" or "3-phase";
process "MIG (GMAW)"; cooling_type "water"/"air"/"none"; wire_size "0.035 inch";
cable_length "25 ft"; portability "portable"/"stationary"; material lowercase.
Set needs_clarification true (with a question) only when the message is about
welding equipment but too ambiguous to extract anything.`

// stateGuidance focuses the extraction on the component being
// configured, mirroring the conversational flow.
var stateGuidance = map[domain.State]string{
	domain.StatePowerSource:    "The user is choosing a POWER SOURCE. Look for process, current, voltage, phase, material, duty cycle, portability, and power source product names.",
	domain.StateFeeder:         "The user is choosing a wire FEEDER. Look for process, material, thickness, cooling type, wire size, and feeder product names.",
	domain.StateCooler:         "The user is choosing a COOLER. Look for duty cycle, cooling type, voltage, and phase.",
	domain.StateInterconnector: "The user is choosing an INTERCONNECTOR. Look for cable length, current, and cooling type.",
	domain.StateTorch:          "The user is choosing a TORCH. Look for process, current, cooling type, and cable length.",
	domain.StateAccessories:    "The user is choosing ACCESSORIES. Look for accessory type, cable length, and remote control needs.",
	domain.StateFinalize:       "The user is reviewing the finished configuration; extract only explicit changes.",
}

// userPrompt renders the templated extraction request: state guidance,
// the master snapshot, recent conversation, and the new message.
func userPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "CURRENT STATE: %s\n%s\n\n", in.CurrentState, stateGuidance[in.CurrentState])

	if in.Master != nil {
		snapshot, _ := json.MarshalIndent(in.Master, "", "  ")
		fmt.Fprintf(&b, "MASTER PARAMETERS SO FAR:\n%s\n\n", snapshot)
	}

	history := in.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		b.WriteString("RECENT CONVERSATION:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "USER MESSAGE: %q\n\n", in.UserMessage)
	b.WriteString("Remember: the user may mention several components in one message; extract all of them. Preserve existing values unless the user changes them.")
	return b.String()
}
