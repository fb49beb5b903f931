package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// Multi-angle sets
// ============================================================================

// Angle is one camera angle of a multi-angle set.
type Angle struct {
	Key   string `json:"key"`   // English framing phrase sent to the model
	Label string `json:"label"` // display name stored on the subtask
}

// AngleSet groups the angles rendered for one multi-angle job.
type AngleSet struct {
	Key    string  `json:"key"`
	Name   string  `json:"name"`
	Angles []Angle `json:"angles"`
}

var (
	angleFront         = Angle{Key: "front facing portrait", Label: "Önden Portre"}
	angleFrontCloseUp  = Angle{Key: "front close-up portrait", Label: "Yakın Çekim Yüz"}
	angleThreeQuarter  = Angle{Key: "three quarter angle", Label: "Yarım Profil (3/4 Açı)"}
	angleThreeQuarterL = Angle{Key: "three quarter angle left", Label: "Yarım Profil Sol"}
	angleThreeQuarterR = Angle{Key: "three quarter angle right", Label: "Yarım Profil Sağ"}
	angleSide          = Angle{Key: "side profile", Label: "Yan Profil"}
	angleOverShoulder  = Angle{Key: "over the shoulder looking back", Label: "Omuz Üstünden Bakış"}
	angleFromAbove     = Angle{Key: "looking down angle from above", Label: "Yukarıdan Bakış"}
	angleFullBody      = Angle{Key: "full body front view", Label: "Tam Boy Önden"}
)

var angleSets = map[string]AngleSet{
	"temel_4": {
		Key:    "temel_4",
		Name:   "Temel Set (4 Açı)",
		Angles: []Angle{angleFront, angleThreeQuarter, angleSide, angleOverShoulder},
	},
	"standart_6": {
		Key:  "standart_6",
		Name: "Standart Set (6 Açı)",
		Angles: []Angle{
			angleFront, angleFrontCloseUp, angleThreeQuarterL, angleThreeQuarterR,
			angleSide, angleOverShoulder,
		},
	},
	"profesyonel_8": {
		Key:  "profesyonel_8",
		Name: "Profesyonel Set (8 Açı)",
		Angles: []Angle{
			angleFront, angleFrontCloseUp, angleThreeQuarterL, angleThreeQuarterR,
			angleSide, angleOverShoulder, angleFromAbove, angleFullBody,
		},
	},
}

// LookupAngleSet returns the angle set registered under key.
func LookupAngleSet(key string) (AngleSet, bool) {
	set, ok := angleSets[key]
	return set, ok
}

// AngleSets lists every angle set ordered by size.
func AngleSets() []AngleSet {
	out := make([]AngleSet, 0, len(angleSets))
	for _, s := range angleSets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i].Angles) < len(out[j].Angles) })
	return out
}

// ============================================================================
// Multi-angle prompt
// ============================================================================

// multiAnglePrompt keeps identity, outfit and scene fixed while changing only the camera.
const multiAnglePrompt = `Recreate the same person from the reference image.
Keep identical face, hairstyle, skin tone, and body proportions.
Preserve the exact outfit, fabric texture, and fit.
Maintain the same environment, lighting, shadows, and color tones.

Camera & framing:
– %s
– realistic smartphone photo
– natural body posture
– photorealistic, no stylization

IMPORTANT:
Do not change identity.
Do not change outfit.
Do not change environment.
Do not add accessories.
Do not beautify or stylize.`

// MultiAnglePrompt renders the prompt for one angle. Extra user notes are appended when present.
func MultiAnglePrompt(angle Angle, notes string) string {
	p := fmt.Sprintf(multiAnglePrompt, angle.Key)
	if notes = strings.TrimSpace(notes); notes != "" {
		p += "\n\nAdditional notes:\n" + notes
	}
	return p
}
