package prompts

import (
	"strings"
	"testing"
)

func TestAngleSets(t *testing.T) {
	testCases := []struct {
		key  string
		size int
	}{
		{"temel_4", 4},
		{"standart_6", 6},
		{"profesyonel_8", 8},
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			set, ok := LookupAngleSet(tc.key)
			if !ok {
				t.Fatalf("angle set %s missing", tc.key)
			}
			if len(set.Angles) != tc.size {
				t.Errorf("angles = %d, want %d", len(set.Angles), tc.size)
			}
			seen := map[string]bool{}
			for _, a := range set.Angles {
				if seen[a.Key] {
					t.Errorf("duplicate angle %q", a.Key)
				}
				seen[a.Key] = true
			}
		})
	}

	if _, ok := LookupAngleSet("mega_20"); ok {
		t.Error("unknown set should not resolve")
	}
	sets := AngleSets()
	if len(sets) != 3 || sets[0].Key != "temel_4" || sets[2].Key != "profesyonel_8" {
		t.Errorf("AngleSets order = %v", sets)
	}
}

func TestMultiAnglePrompt(t *testing.T) {
	p := MultiAnglePrompt(angleSide, "")
	if !strings.Contains(p, "– side profile") {
		t.Errorf("prompt missing framing line:\n%s", p)
	}
	if strings.Contains(p, "Additional notes") {
		t.Error("empty notes should not add a section")
	}

	p = MultiAnglePrompt(angleSide, "  red jacket ")
	if !strings.HasSuffix(p, "Additional notes:\nred jacket") {
		t.Errorf("notes not appended:\n%s", p)
	}
}

func TestCompilerMessages(t *testing.T) {
	in := CompilerInput{
		Input:       "gün batımında kapadokya",
		Mode:        "t2v",
		AspectRatio: "9:16",
		Style:       "cinematic",
		Quality:     "ultra",
		NoIdentity:  true,
		Action:      ActionCompile,
	}

	system, user := CompilerMessages(in)
	if system != CompilerSystemPrompt {
		t.Error("compile should use the base system prompt")
	}
	for _, want := range []string{"gün batımında kapadokya", "- Mode: t2v", "- Aspect Ratio: 9:16", "- No real person identity: true"} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q:\n%s", want, user)
		}
	}

	in.Action = ActionShorter
	in.PreviousPrompt = "a long cinematic prompt"
	system, user = CompilerMessages(in)
	if !strings.HasPrefix(system, CompilerSystemPrompt) || !strings.Contains(system, "more concise") {
		t.Errorf("shorter system prompt = %q", system[len(system)-120:])
	}
	if !strings.HasSuffix(user, "a long cinematic prompt") {
		t.Errorf("user message = %q", user)
	}

	// rewrite without a previous prompt compiles from scratch
	in.Action = ActionHook
	in.PreviousPrompt = " "
	if system, _ = CompilerMessages(in); system != CompilerSystemPrompt {
		t.Error("hook without previous prompt should fall back to compile")
	}

	if !IsCompilerAction(ActionDetailed) || IsCompilerAction("translate") {
		t.Error("IsCompilerAction mismatch")
	}
}
