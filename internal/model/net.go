// Package model defines Net, the single-channel image classifier trained by
// recog.
package model

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// ModelType is the model type recorded in checkpoints.
const ModelType = "RecogNet"

const (
	kernel = 5 // Conv kernel size (square, stride 1, no padding)
	pool   = 2 // MaxPool kernel and stride

	conv1Out = 6
	conv2Out = 16
	fc1Out   = 120
	fc2Out   = 84
)

// Config fixes the input geometry and output width of the network.
type Config struct {
	InputHeight int
	InputWidth  int
	NumClasses  int
}

// FeatureSize returns the spatial size of the last feature map, [h, w].
func (c Config) FeatureSize() [2]int {
	h, w := c.InputHeight, c.InputWidth
	for i := 0; i < 2; i++ {
		h, w = h-kernel+1, w-kernel+1
		h, w = (h-pool)/pool+1, (w-pool)/pool+1
	}
	return [2]int{h, w}
}

// Validate rejects geometries the convolution stack cannot process.
func (c Config) Validate() error {
	if c.NumClasses < 1 {
		return errors.Errorf("model: num classes must be positive, got %d", c.NumClasses)
	}
	h, w := c.InputHeight, c.InputWidth
	for i := 0; i < 2; i++ {
		h, w = h-kernel+1, w-kernel+1
		if h < pool || w < pool {
			return errors.Errorf("model: input %dx%d too small for two conv/pool blocks",
				c.InputHeight, c.InputWidth)
		}
		h, w = (h-pool)/pool+1, (w-pool)/pool+1
	}
	return nil
}

// Net is a LeNet-style classifier for single-channel images.
//
// Architecture:
//
//	Input: [1, 1, H, W]
//	Conv1: 1 → 6 channels, 5x5 → ReLU → MaxPool 2x2
//	Conv2: 6 → 16 channels, 5x5 → ReLU → MaxPool 2x2
//	Flatten → [1, 16*h*w]
//	FC1: 16*h*w → 120 → ReLU
//	FC2: 120 → 84 → ReLU
//	FC3: 84 → K (class scores)
//
// Forward returns raw logits; CrossEntropyLoss applies the softmax.
type Net[B tensor.Backend] struct {
	cfg  Config
	flat int

	conv1 *nn.Conv2D[B]
	relu1 *nn.ReLU[B]
	pool1 *nn.MaxPool2D[B]
	conv2 *nn.Conv2D[B]
	relu2 *nn.ReLU[B]
	pool2 *nn.MaxPool2D[B]
	fc1   *nn.Linear[B]
	relu3 *nn.ReLU[B]
	fc2   *nn.Linear[B]
	relu4 *nn.ReLU[B]
	fc3   *nn.Linear[B]
}

// New builds a freshly initialized network on backend.
func New[B tensor.Backend](cfg Config, backend B) (*Net[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fs := cfg.FeatureSize()
	flat := conv2Out * fs[0] * fs[1]

	return &Net[B]{
		cfg:   cfg,
		flat:  flat,
		conv1: nn.NewConv2D(1, conv1Out, kernel, kernel, 1, 0, true, backend),
		relu1: nn.NewReLU[B](),
		pool1: nn.NewMaxPool2D(pool, pool, backend),
		conv2: nn.NewConv2D(conv1Out, conv2Out, kernel, kernel, 1, 0, true, backend),
		relu2: nn.NewReLU[B](),
		pool2: nn.NewMaxPool2D(pool, pool, backend),
		fc1:   nn.NewLinear(flat, fc1Out, backend),
		relu3: nn.NewReLU[B](),
		fc2:   nn.NewLinear(fc1Out, fc2Out, backend),
		relu4: nn.NewReLU[B](),
		fc3:   nn.NewLinear(fc2Out, cfg.NumClasses, backend),
	}, nil
}

// Config returns the geometry the network was built for.
func (m *Net[B]) Config() Config {
	return m.cfg
}

// Forward maps [N, 1, H, W] images to [N, K] logits.
func (m *Net[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := input.Shape()
	if len(s) != 4 || s[1] != 1 || s[2] != m.cfg.InputHeight || s[3] != m.cfg.InputWidth {
		panic(fmt.Sprintf("RecogNet: expected input [N, 1, %d, %d], got %v",
			m.cfg.InputHeight, m.cfg.InputWidth, s))
	}

	x := m.conv1.Forward(input)
	x = m.relu1.Forward(x)
	x = m.pool1.Forward(x)

	x = m.conv2.Forward(x)
	x = m.relu2.Forward(x)
	x = m.pool2.Forward(x)

	x = x.Reshape(s[0], m.flat)

	x = m.fc1.Forward(x)
	x = m.relu3.Forward(x)
	x = m.fc2.Forward(x)
	x = m.relu4.Forward(x)
	return m.fc3.Forward(x)
}

type namedParam[B tensor.Backend] struct {
	name  string
	param *nn.Parameter[B]
}

func (m *Net[B]) named() []namedParam[B] {
	layers := []struct {
		name   string
		params []*nn.Parameter[B]
	}{
		{"conv1", m.conv1.Parameters()},
		{"conv2", m.conv2.Parameters()},
		{"fc1", m.fc1.Parameters()},
		{"fc2", m.fc2.Parameters()},
		{"fc3", m.fc3.Parameters()},
	}
	// Every layer has [weight, bias].
	out := make([]namedParam[B], 0, 2*len(layers))
	for _, l := range layers {
		out = append(out,
			namedParam[B]{l.name + ".weight", l.params[0]},
			namedParam[B]{l.name + ".bias", l.params[1]},
		)
	}
	return out
}

// Parameters returns all trainable parameters in layer order.
func (m *Net[B]) Parameters() []*nn.Parameter[B] {
	named := m.named()
	params := make([]*nn.Parameter[B], len(named))
	for i, np := range named {
		params[i] = np.param
	}
	return params
}

// ParameterNames returns the state dict keys in layer order.
func (m *Net[B]) ParameterNames() []string {
	named := m.named()
	names := make([]string, len(named))
	for i, np := range named {
		names[i] = np.name
	}
	return names
}

// NumParameters counts the trainable scalars.
func (m *Net[B]) NumParameters() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Tensor().Shape().NumElements()
	}
	return total
}

// StateDict returns the parameters keyed conv1.weight, conv1.bias, ... fc3.bias.
func (m *Net[B]) StateDict() map[string]*tensor.RawTensor {
	named := m.named()
	sd := make(map[string]*tensor.RawTensor, len(named))
	for _, np := range named {
		sd[np.name] = np.param.Tensor().Raw()
	}
	return sd
}

// LoadStateDict copies saved parameters into the network.
//
// Every parameter must be present with the exact shape and float32 dtype;
// extra keys are an error too, since they mean the file belongs to a
// different architecture.
func (m *Net[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	named := m.named()
	if len(sd) != len(named) {
		return errors.Errorf("state dict has %d tensors, %s expects %d", len(sd), ModelType, len(named))
	}
	for _, np := range named {
		raw, ok := sd[np.name]
		if !ok {
			return errors.Errorf("missing %s in state dict", np.name)
		}
		want := np.param.Tensor().Shape()
		if !raw.Shape().Equal(want) {
			return errors.Errorf("%s shape mismatch: expected %v, got %v", np.name, want, raw.Shape())
		}
		if raw.DType() != tensor.Float32 {
			return errors.Errorf("%s dtype mismatch: expected float32, got %v", np.name, raw.DType())
		}
		copy(np.param.Tensor().Data(), raw.AsFloat32())
	}
	return nil
}

// String renders the architecture.
func (m *Net[B]) String() string {
	var sb strings.Builder
	sb.WriteString(ModelType + "(\n")
	for _, line := range []string{
		m.conv1.String(),
		"ReLU()",
		m.pool1.String(),
		m.conv2.String(),
		"ReLU()",
		m.pool2.String(),
		fmt.Sprintf("Linear(in=%d, out=%d)", m.flat, fc1Out),
		"ReLU()",
		fmt.Sprintf("Linear(in=%d, out=%d)", fc1Out, fc2Out),
		"ReLU()",
		fmt.Sprintf("Linear(in=%d, out=%d)", fc2Out, m.cfg.NumClasses),
	} {
		sb.WriteString("  " + line + "\n")
	}
	sb.WriteString(")")
	return sb.String()
}
