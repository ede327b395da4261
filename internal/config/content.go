package config

import (
	"lateraltutor/internal/types"
)

// WebConfig configures link reading.
type WebConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ReaderURL string `yaml:"reader_url"` // the target URL is appended, escaped
	Timeout   string `yaml:"timeout"`
	MaxChars  int    `yaml:"max_chars"` // truncation applied before the model sees it
}

// ImagesConfig is the static image catalog.
type ImagesConfig struct {
	Catalog       map[string]string `yaml:"catalog"`
	OnboardingKey string            `yaml:"onboarding_key"`
	AssessmentKey string            `yaml:"assessment_key"`
}

// ScriptConfig holds the tutoring script.
type ScriptConfig struct {
	// InstructionFile is a text/template rendered with the scenario.
	// Empty selects the built-in instruction.
	InstructionFile string         `yaml:"instruction_file"`
	Scenario        types.Scenario `yaml:"scenario"`
}

// DialogueConfig tunes the state machine.
type DialogueConfig struct {
	MaxOffTopic  int  `yaml:"max_off_topic"`
	StrictStages bool `yaml:"strict_stages"` // only stay or advance one stage per turn
}

// MessagesConfig holds the fixed texts the orchestrator emits itself.
type MessagesConfig struct {
	InitPrompt       string `yaml:"init_prompt"`
	Termination      string `yaml:"termination"`
	ParseFailure     string `yaml:"parse_failure"`
	Congested        string `yaml:"congested"`
	Credential       string `yaml:"credential"`
	ServiceError     string `yaml:"service_error"`
	ImagePlaceholder string `yaml:"image_placeholder"`
	ImagePrompt      string `yaml:"image_prompt"`
}

// DefaultMessages returns the built-in texts.
func DefaultMessages() MessagesConfig {
	return MessagesConfig{
		InitPrompt:       "SYSTEM_INIT: The student has joined. Start Stage 1_Onboarding now: show IMG_CASE1 and quote the first case.",
		Termination:      "⛔️ Session ended: several replies in a row were unrelated to the exercise, so this session has been closed automatically.",
		ParseFailure:     "System error: the reply could not be parsed. Please send your last message again.",
		Congested:        "⚠️ The tutoring service is busy right now. Please wait a few seconds and try again.",
		Credential:       "⚠️ The tutoring service rejected our credentials or quota",
		ServiceError:     "⚠️ The tutoring service returned an error",
		ImagePlaceholder: "[image attached]",
		ImagePrompt:      "Check this image",
	}
}

// DefaultScriptConfig returns the built-in scenario.
func DefaultScriptConfig() ScriptConfig {
	return ScriptConfig{
		Scenario: types.Scenario{
			Case1Context: "On 5 May 2025 a passenger at Shanghai Hongqiao Station held a train door open. " +
				"Railway officials said that as G1673 was closing its doors a woman reached in to wait for an " +
				"elderly traveller, forcing the doors to reopen repeatedly and delaying departure by one minute. " +
				"Experts warn that blocking doors can injure people or damage trains. Source: Hushang Metro Daily",
			FinalTestContext: "Final test: according to the Meteorological and Oceanic Bureau, on 21 October 2025 " +
				"seawater flooded Binhai Avenue in Caofeidian, Tianjin Binhai New Area. Strong tides and a storm " +
				"raised sea level by 1.5 m and some roads were under 0.8 m of water. Residents were evacuated and " +
				"traffic halted. Source: the \"Us\" column on CCTV Video",
		},
	}
}
