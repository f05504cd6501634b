package compress

import "fmt"

// Tier is one encoder setting. Channels == 0 keeps the input's channel layout.
type Tier struct {
	Name       string
	BitrateK   int
	Channels   int
	SampleRate int
}

func (t Tier) String() string {
	ch := "as-input"
	if t.Channels > 0 {
		ch = fmt.Sprintf("%dch", t.Channels)
	}
	return fmt.Sprintf("%s(%dk/%s/%dHz)", t.Name, t.BitrateK, ch, t.SampleRate)
}

// Tiers is ordered by decreasing expected output size.
var Tiers = []Tier{
	{Name: "light", BitrateK: 80, Channels: 0, SampleRate: 22050},
	{Name: "medium", BitrateK: 64, Channels: 1, SampleRate: 16000},
	{Name: "heavy", BitrateK: 48, Channels: 1, SampleRate: 16000},
}

// Aggressive is used for the one extra pass when the first output is still too big.
var Aggressive = Tier{Name: "aggressive", BitrateK: 32, Channels: 1, SampleRate: 8000}

// SelectTier picks the first-pass tier for target/input. Ratios at or above 0.7 get the
// lightest tier, which also covers inputs only marginally over the target.
func SelectTier(inputSize, target int64) Tier {
	ratio := float64(target) / float64(inputSize)
	switch {
	case ratio >= 0.7:
		return Tiers[0]
	case ratio >= 0.5:
		return Tiers[1]
	default:
		return Tiers[2]
	}
}
