package pidcal

import (
	"fmt"
	"strconv"
)

// IntArrayFlags collects repeated integer flag values, e.g. one ion
// charge per -z occurrence. The first Set call discards any default.
type IntArrayFlags struct {
	Array   []int
	beenSet bool
}

// Set implements flag.Value.
func (f *IntArrayFlags) Set(valueStr string) error {
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return err
	}

	if !f.beenSet {
		f.beenSet = true
		f.Array = nil
	}

	f.Array = append(f.Array, value)
	return nil
}

func (f *IntArrayFlags) String() string {
	return fmt.Sprint(f.Array)
}
