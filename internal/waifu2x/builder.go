package waifu2x

import "strconv"

// Params are the per-job values of an invocation.
type Params struct {
	InputPath  string
	OutputPath string
	Scale      int
	Options    Options
}

// BuildArgs builds the argument list for one invocation. The order is fixed because some
// builds of the tool are sensitive to it:
//
//	-i IN -o OUT -n NOISE -s SCALE -m MODELDIR -t TILE -g GPU -j L:P:S [-x] -f FORMAT [-v]
func BuildArgs(p Params) []string {
	o := p.Options
	args := []string{
		"-i", p.InputPath,
		"-o", p.OutputPath,
		"-n", strconv.Itoa(o.NoiseLevel),
		"-s", strconv.Itoa(p.Scale),
		"-m", o.ModelDir,
		"-t", strconv.Itoa(o.TileSize),
		"-g", strconv.Itoa(o.GPU),
		"-j", o.LoadProcSave,
	}
	if o.TTA {
		args = append(args, "-x")
	}
	args = append(args, "-f", string(o.Format))
	if o.Verbose {
		args = append(args, "-v")
	}
	return args
}
