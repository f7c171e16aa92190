// binalign compares two related ELF binaries and produces a structural
// alignment between them: function-level matches plus block-level diffs,
// persisted as two annotated output binaries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"binalign/internal/align"
	"binalign/internal/analyze"
	"binalign/internal/output"
)

const toolName = "binalign"

func main() {
	if err := run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

// reportError prints the single-line diagnostic for a failing path.
func reportError(path string, err error) {
	fmt.Fprintf(os.Stderr, "%s: '%s': %v.\n", toolName, path, err)
}

func run(args []string) error {
	fs := flag.NewFlagSet(toolName, flag.ExitOnError)
	out1 := fs.String("o1", "", "annotated output path for the first binary (required)")
	out2 := fs.String("o2", "", "annotated output path for the second binary (required)")
	threshold := fs.Float64("threshold", 0, "minimum fuzzy-match similarity (default 0.5)")
	threads := fs.Int("threads", 0, "worker pool size (default: number of CPUs)")
	reportDir := fs.String("report", "", "optional directory for the alignment report")
	dumpDir := fs.String("dump", "", "optional directory for per-binary disassembly listings")
	fs.Usage = usage(fs)

	if err := fs.Parse(reorderArgs(args)); err != nil {
		return err
	}
	if fs.NArg() != 2 || *out1 == "" || *out2 == "" {
		fs.Usage()
		return fmt.Errorf("usage")
	}
	in1, in2 := fs.Arg(0), fs.Arg(1)

	for _, in := range []string{in1, in2} {
		if _, err := os.Stat(in); err != nil {
			reportError(in, err)
			return err
		}
	}

	// Two independent analysis sessions, one per input. The alignment
	// stage waits on both; either failure is fatal to the whole run and
	// nothing is emitted.
	type analysis struct {
		bin *analyze.Binary
		err error
	}
	results := make([]analysis, 2)
	var wg sync.WaitGroup
	for i, in := range []string{in1, in2} {
		wg.Add(1)
		go func(slot int, path string) {
			defer wg.Done()
			bin, err := analyze.Analyze(path)
			results[slot] = analysis{bin: bin, err: err}
		}(i, in)
	}
	wg.Wait()

	for i, in := range []string{in1, in2} {
		if results[i].err != nil {
			reportError(in, results[i].err)
			return results[i].err
		}
	}
	binA, binB := results[0].bin, results[1].bin

	opts := align.Options{Threshold: *threshold, Threads: *threads}
	res, err := align.Align(context.Background(), binA, binB, opts)
	if err != nil {
		reportError(in1, err)
		return err
	}

	// The two emissions are independent; run them in parallel and report
	// each failure against its own output path.
	var emitErrs [2]error
	wg.Add(2)
	go func() {
		defer wg.Done()
		emitErrs[0] = output.EmitAnnotated(binA, binB, res, output.SideA, *out1)
	}()
	go func() {
		defer wg.Done()
		emitErrs[1] = output.EmitAnnotated(binB, binA, res, output.SideB, *out2)
	}()
	wg.Wait()

	for i, out := range []string{*out1, *out2} {
		if emitErrs[i] != nil {
			reportError(out, emitErrs[i])
		}
	}
	if emitErrs[0] != nil {
		return emitErrs[0]
	}
	if emitErrs[1] != nil {
		return emitErrs[1]
	}

	if *reportDir != "" {
		if err := output.WriteReport(*reportDir, binA, binB, res); err != nil {
			reportError(*reportDir, err)
			return err
		}
	}
	if *dumpDir != "" {
		for _, in := range []string{in1, in2} {
			if err := writeDump(*dumpDir, in); err != nil {
				reportError(in, err)
				return err
			}
		}
	}

	fmt.Fprintf(os.Stderr, "%s: %d matched, %d unmatched in %s, %d unmatched in %s\n",
		toolName, len(res.Pairs()), len(res.ResidualA), in1, len(res.ResidualB), in2)
	return nil
}

// reorderArgs moves flag arguments ahead of positionals so the observed
// `binalign <in1> <in2> -o1 <out1> -o2 <out2>` ordering parses. Every flag
// takes a value, either inline (-o1=x) or as the following argument.
func reorderArgs(args []string) []string {
	var flags, pos []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if len(a) > 1 && a[0] == '-' {
			flags = append(flags, a)
			if !hasInlineValue(a) && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
			continue
		}
		pos = append(pos, a)
	}
	return append(flags, pos...)
}

func hasInlineValue(arg string) bool {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return true
		}
	}
	return false
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, `%s: structural alignment between two related binaries

Usage:
  %s [flags] <binary1> <binary2> -o1 <output1> -o2 <output2>

Flags:
`, toolName, toolName)
		fs.PrintDefaults()
	}
}
