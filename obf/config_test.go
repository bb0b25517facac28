package obf

import "testing"

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid defaults",
			cfg:  Config{},
		},
		{
			name: "typical awg",
			cfg: Config{
				Jc: 4, Jmin: 40, Jmax: 70,
				S1: 15, S2: 68,
				H1: "1020325451", H2: "3288052141", H3: "1766607858", H4: "2528465083",
			},
		},
		{
			name: "bad jmin jmax",
			cfg: Config{
				Jmin: 10,
				Jmax: 5,
			},
			wantErr: true,
		},
		{
			name: "negative padding",
			cfg: Config{
				S1: -1,
			},
			wantErr: true,
		},
		{
			name: "negative jc",
			cfg: Config{
				Jc: -1,
			},
			wantErr: true,
		},
		{
			name:    "jc without jmax",
			cfg:     Config{Jc: 3},
			wantErr: true,
		},
		{
			name:    "jmax too large",
			cfg:     Config{Jc: 1, Jmin: 1, Jmax: maxJunkLength + 1},
			wantErr: true,
		},
		{
			name:    "initiation and response collide",
			cfg:     Config{S1: 0, S2: InitiationSize - ResponseSize},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Fatalf("zero config reported enabled")
	}
	if !(Config{Jc: 1, Jmax: 10}).Enabled() {
		t.Fatalf("junk config reported disabled")
	}
}
