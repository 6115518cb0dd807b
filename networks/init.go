package networks

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// InitWeights fills every conv weight of n in place and zeroes the biases.
//
//	normal:  N(0, gain^2)
//	xavier:  N(0, gain^2 * 2/(fan_in+fan_out))
//	kaiming: N(0, 2/fan_in)
func InitWeights(n Network, initType string, gain float64, rng *rand.Rand) error {
	if initType == "" {
		initType = "normal"
	}
	if gain == 0 {
		gain = 0.02
	}
	for _, p := range n.Parameters() {
		v := p.Value
		if strings.HasSuffix(p.Name, ".bias") {
			clear(v.Data)
			continue
		}
		if len(v.Shape) != 4 {
			continue
		}
		receptive := v.Shape[2] * v.Shape[3]
		fanIn := float64(v.Shape[1] * receptive)
		fanOut := float64(v.Shape[0] * receptive)

		var std float64
		switch initType {
		case "normal":
			std = gain
		case "xavier":
			std = gain * math.Sqrt(2/(fanIn+fanOut))
		case "kaiming":
			std = math.Sqrt(2 / fanIn)
		default:
			return fmt.Errorf("initialization method [%s] is not implemented", initType)
		}
		for i := range v.Data {
			v.Data[i] = float32(rng.NormFloat64() * std)
		}
	}
	return nil
}
