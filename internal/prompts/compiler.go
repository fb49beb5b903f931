package prompts

import (
	"fmt"
	"strings"
)

// ============================================================================
// Prompt compiler
// ============================================================================

// Compiler actions. Every action except ActionCompile rewrites a previous prompt.
const (
	ActionCompile  = "compile"
	ActionShorter  = "shorter"
	ActionDetailed = "detailed"
	ActionHook     = "hook"
)

// CompilerSystemPrompt instructs the model to turn a free-form (usually Turkish)
// description into a structured English generation prompt.
const CompilerSystemPrompt = `You are "Prompt Compiler Pro". Convert Turkish user intent into an expert-level English master prompt.

Hard rules:
- Do NOT mention any real person or attempt to match an identifiable person.
- If the user asks for the same face as a real person or celebrity, refuse that part and describe a new original character in a similar style.
- Do NOT output disallowed content. Suggest safe alternatives for explicit requests.
- Prefer clear structure and short powerful sentences.
- If information is missing, infer reasonable defaults without asking questions.

Respond with a single JSON object using exactly these fields:
{
  "master_prompt_en": "string",
  "negative_prompt_en": "string",
  "settings": {
    "mode": "image|t2v|i2v|universal",
    "aspect_ratio": "1:1|9:16|16:9|4:5",
    "style": "string",
    "quality": "draft|high|ultra",
    "camera": "string",
    "lighting": "string",
    "environment": "string",
    "subject": "string",
    "actions": "string",
    "constraints": ["string"]
  },
  "tr_summary": ["string"],
  "variants_en": ["string"]
}

Prompt quality guidelines:
- Include subject, action, environment, composition, camera and lens, lighting, texture realism, mood and color palette.
- The negative prompt covers artifacts, deformations, extra limbs, bad anatomy, watermark, text, low resolution, logo and UI elements.
- For video include a shot list, motion, camera movement, a duration suggestion and continuity constraints.

Styles: realistic, cinematic, anime, 3d, illustration, product, ugc_ad.
Quality levels: draft (basic details), high (refined, professional), ultra (maximum detail, hyper-realistic).`

var actionInstructions = map[string]string{
	ActionShorter:  "Make the following prompt more concise while keeping the essential elements. Keep it under 100 words. Return the same JSON structure with shortened prompts.",
	ActionDetailed: "Expand the following prompt with specific details about lighting, textures, atmosphere and composition. Use professional photography and cinematography terms. Return the same JSON structure with expanded prompts.",
	ActionHook:     "Add a viral hook to this video prompt: an attention-grabbing first two seconds, dynamic camera movement, a trending visual effect and an emotional trigger, optimized for vertical short-form video. Return the same JSON structure with hook-enhanced prompts.",
}

// CompilerInput is the user's request to the prompt compiler.
type CompilerInput struct {
	Input          string
	Mode           string
	AspectRatio    string
	Style          string
	Quality        string
	NoIdentity     bool
	Action         string
	PreviousPrompt string
}

// IsCompilerAction reports whether action is known.
func IsCompilerAction(action string) bool {
	if action == ActionCompile {
		return true
	}
	_, ok := actionInstructions[action]
	return ok
}

// CompilerMessages returns the system and user messages for in.
// A rewrite action without a previous prompt falls back to a fresh compile.
func CompilerMessages(in CompilerInput) (system, user string) {
	if instr, ok := actionInstructions[in.Action]; ok && strings.TrimSpace(in.PreviousPrompt) != "" {
		return CompilerSystemPrompt + "\n\n" + instr,
			fmt.Sprintf("Previous prompt:\n%s", in.PreviousPrompt)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Convert this Turkish description to a professional prompt:\n\n")
	fmt.Fprintf(&b, "User Input (TR): %q\n\n", in.Input)
	b.WriteString("Settings requested:\n")
	fmt.Fprintf(&b, "- Mode: %s\n", in.Mode)
	fmt.Fprintf(&b, "- Aspect Ratio: %s\n", in.AspectRatio)
	fmt.Fprintf(&b, "- Style: %s\n", in.Style)
	fmt.Fprintf(&b, "- Quality: %s\n", in.Quality)
	fmt.Fprintf(&b, "- No real person identity: %v\n\n", in.NoIdentity)
	b.WriteString("Generate the master prompt following all guidelines.")
	return CompilerSystemPrompt, b.String()
}
