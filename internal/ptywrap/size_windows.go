package ptywrap

import "os"

func watchSize(_, _ *os.File) (stop func()) {
	return func() {}
}
