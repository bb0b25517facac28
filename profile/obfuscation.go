package profile

import "github.com/bridgefall/tunnel/obf"

// ObfConfig defines the AWG obfuscation parameters of a profile. Both ends
// of a tunnel must carry identical values.
type ObfConfig struct {
	Jc   int    `json:"jc" yaml:"jc"`
	Jmin int    `json:"jmin" yaml:"jmin"`
	Jmax int    `json:"jmax" yaml:"jmax"`
	S1   int    `json:"s1" yaml:"s1"`
	S2   int    `json:"s2" yaml:"s2"`
	S3   int    `json:"s3" yaml:"s3"`
	S4   int    `json:"s4" yaml:"s4"`
	H1   string `json:"h1" yaml:"h1"`
	H2   string `json:"h2" yaml:"h2"`
	H3   string `json:"h3" yaml:"h3"`
	H4   string `json:"h4" yaml:"h4"`
	I1   string `json:"i1,omitempty" yaml:"i1,omitempty"`
	I2   string `json:"i2,omitempty" yaml:"i2,omitempty"`
	I3   string `json:"i3,omitempty" yaml:"i3,omitempty"`
	I4   string `json:"i4,omitempty" yaml:"i4,omitempty"`
	I5   string `json:"i5,omitempty" yaml:"i5,omitempty"`
}

// Enabled returns true if obfuscation parameters are set.
func (c ObfConfig) Enabled() bool {
	return c != (ObfConfig{})
}

// ToObfConfig converts to the shared obf.Config.
func (c ObfConfig) ToObfConfig() obf.Config {
	return obf.Config{
		Jc:   c.Jc,
		Jmin: c.Jmin,
		Jmax: c.Jmax,
		S1:   c.S1,
		S2:   c.S2,
		S3:   c.S3,
		S4:   c.S4,
		H1:   c.H1,
		H2:   c.H2,
		H3:   c.H3,
		H4:   c.H4,
		I1:   c.I1,
		I2:   c.I2,
		I3:   c.I3,
		I4:   c.I4,
		I5:   c.I5,
	}
}

// FromObfConfig is the inverse of ToObfConfig.
func FromObfConfig(c obf.Config) ObfConfig {
	return ObfConfig{
		Jc:   c.Jc,
		Jmin: c.Jmin,
		Jmax: c.Jmax,
		S1:   c.S1,
		S2:   c.S2,
		S3:   c.S3,
		S4:   c.S4,
		H1:   c.H1,
		H2:   c.H2,
		H3:   c.H3,
		H4:   c.H4,
		I1:   c.I1,
		I2:   c.I2,
		I3:   c.I3,
		I4:   c.I4,
		I5:   c.I5,
	}
}
