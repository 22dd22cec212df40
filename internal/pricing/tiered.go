package pricing

// tieredSpec models providers whose price depends on the input-token tier.
// Rules are evaluated in order; the first rule whose input_up_to covers the
// prompt-token count wins, then the output band is picked the same way.
// input_up_to / output_up_to of 0 means unbounded.
type tieredSpec struct {
	Rules []tieredRule `yaml:"rules"`
}

type tieredRule struct {
	InputUpTo     int          `yaml:"input_up_to"`
	PromptPerMTok float64      `yaml:"prompt_per_mtok"`
	OutputBands   []outputBand `yaml:"output_bands"`
}

type outputBand struct {
	OutputUpTo        int     `yaml:"output_up_to"`
	CompletionPerMTok float64 `yaml:"completion_per_mtok"`
}

func (t tieredSpec) resolve(promptTokens, completionTokens int) Price {
	for _, rule := range t.Rules {
		if rule.InputUpTo != 0 && promptTokens > rule.InputUpTo {
			continue
		}

		completion := 0.0
		for _, band := range rule.OutputBands {
			if band.OutputUpTo != 0 && completionTokens > band.OutputUpTo {
				continue
			}
			completion = band.CompletionPerMTok

			break
		}

		return Price{
			PromptPerToken:     rule.PromptPerMTok / tokensPerMillion,
			CompletionPerToken: completion / tokensPerMillion,
		}
	}

	return Price{
		PromptPerToken:     defaultPrice.PromptPerToken,
		CompletionPerToken: defaultPrice.CompletionPerToken,
		Estimated:          true,
	}
}
