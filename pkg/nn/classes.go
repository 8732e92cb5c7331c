package nn

const (
	ClassAppleScab = 0
	ClassBlackSpot = 1
	ClassBlackRot  = 2
	ClassFlySpeck  = 3
)

// Apple disease classes, in the order that the model emits them
var AppleDiseaseClasses = []string{
	"apple_scab",
	"black_spot",
	"black_rot",
	"fly_speck",
}

// Disease is the reference information that we show alongside a class
type Disease struct {
	Class       string   `json:"class"`
	Title       string   `json:"title"`
	Pathogen    string   `json:"pathogen"`
	Description string   `json:"description"`
	Treatment   []string `json:"treatment"`
}

var AppleDiseases = []Disease{
	{
		Class:       "apple_scab",
		Title:       "Apple Scab",
		Pathogen:    "Venturia inaequalis",
		Description: "Olive to brown spots on the skin of the fruit and on the leaves.",
		Treatment: []string{
			"Prune infected branches.",
			"Spray with a sulfur or chlorothalonil fungicide.",
			"Collect fallen leaves and fruit.",
		},
	},
	{
		Class:       "black_spot",
		Title:       "Black Spot",
		Pathogen:    "Alternaria alternata",
		Description: "Black, sunken spots on the fruit.",
		Treatment: []string{
			"Prune to improve air circulation.",
			"Apply a captan fungicide.",
			"Keep the orchard clean.",
		},
	},
	{
		Class:       "black_rot",
		Title:       "Black Rot",
		Pathogen:    "Botryosphaeria obtusa",
		Description: "Black rot of the fruit, and lesions on twigs.",
		Treatment: []string{
			"Prune affected twigs.",
			"Apply a mancozeb fungicide.",
			"Sterilize pruning tools.",
		},
	},
	{
		Class:       "fly_speck",
		Title:       "Fly Speck",
		Pathogen:    "Schizothyrium pomi",
		Description: "Small black dots on the skin of the fruit.",
		Treatment: []string{
			"Control alternative host plants.",
			"Apply a copper fungicide.",
			"Spray during dry weather.",
		},
	},
}

// Find the reference information for a class, or nil if we have none
func FindDisease(class string) *Disease {
	for i := range AppleDiseases {
		if AppleDiseases[i].Class == class {
			return &AppleDiseases[i]
		}
	}
	return nil
}
