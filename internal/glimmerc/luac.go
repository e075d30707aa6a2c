// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package glimmerc provides a Cobra command for compiling Glimmer source
// to bytecode. Its listing/parse-only/strip-debug flags are carried over
// from [luac(1)]; the config, warnings-as-errors, and pack flags are
// specific to Glimmer's multi-file batch mode.
//
// [luac(1)]: https://www.lua.org/manual/5.4/luac.html
package glimmerc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dsnet/compress/bzip2"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"glimmer.dev/glimmer/bytebuffer"
	"glimmer.dev/glimmer/internal/bytewriter"
	"glimmer.dev/glimmer/internal/gmcode"
)

type options struct {
	inputFilenames   []string
	source           string
	outputFilename   string
	list             int
	parseOnly        bool
	stripDebug       bool
	rawPC            bool
	configFilename   string
	warningsAsErrors bool
	pack             bool
	verbose          bool
}

// New returns a new glimmerc command.
func New() *cobra.Command {
	c := &cobra.Command{
		Use:                   "glimmerc [FILE ...]",
		Short:                 "compile Glimmer source to bytecode",
		Args:                  cobra.ArbitraryArgs,
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(options)
	c.Flags().CountVarP(&opts.list, "list", "l", "produce a listing of compiled bytecode")
	c.Flags().StringVarP(&opts.outputFilename, "output", "o", "glimmerc.out", "output to `filename`")
	c.Flags().BoolVarP(&opts.parseOnly, "parse-only", "p", false, "do not write bytecode")
	c.Flags().BoolVarP(&opts.stripDebug, "strip-debug", "s", false, "strip debug information")
	c.Flags().BoolVarP(&opts.rawPC, "raw-pc", "0", false, "show literal PC values")
	c.Flags().StringVar(&opts.source, "source", "", "source `name` to show in debug information instead of filename")
	c.Flags().StringVarP(&opts.configFilename, "config", "c", "", "read source list from a HuJSON project `file`")
	c.Flags().BoolVarP(&opts.warningsAsErrors, "warnings-as-errors", "W", false, "exit nonzero if any warning is emitted")
	c.Flags().BoolVar(&opts.pack, "pack", false, "bundle outputs into a single bzip2-compressed archive")
	c.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "show debug logging")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		initLogging(opts.verbose)
		opts.inputFilenames = args
		if opts.configFilename != "" {
			sources, err := readProjectConfig(opts.configFilename)
			if err != nil {
				return err
			}
			opts.inputFilenames = append(opts.inputFilenames, sources...)
		}
		if len(opts.inputFilenames) == 0 {
			return fmt.Errorf("no input files")
		}
		return run(cmd.Context(), opts)
	}
	return c
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "glimmerc: ", log.StdFlags, nil),
		})
	})
}

// projectConfig is the schema of a HuJSON project file read with -c/--config.
type projectConfig struct {
	Sources          []string `json:"sources"`
	OutputDir        string   `json:"output_dir"`
	WarningsAsErrors bool     `json:"warnings_as_errors"`
}

func readProjectConfig(filename string) ([]string, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read project config: %w", err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("read project config %s: %v", filename, err)
	}
	cfg := new(projectConfig)
	if err := jsonv2.Unmarshal(std, cfg, jsonv2.RejectUnknownMembers(false)); err != nil {
		return nil, fmt.Errorf("read project config %s: %v", filename, err)
	}
	dir := filepath.Dir(filename)
	sources := make([]string, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if !filepath.IsAbs(s) {
			s = filepath.Join(dir, s)
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// compiledUnit is the result of parsing and (optionally) emitting bytecode
// for a single input file.
type compiledUnit struct {
	inputFilename string
	proto         *gmcode.Prototype
	warnings      []gmcode.Warning
	output        []byte
}

func run(ctx context.Context, opts *options) error {
	units := make([]*compiledUnit, len(opts.inputFilenames))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, inputFilename := range opts.inputFilenames {
		group.Go(func() error {
			unit, err := compileFile(inputFilename, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", inputFilename, err)
			}
			units[i] = unit
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			default:
				return nil
			}
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	sawWarning := false
	for _, unit := range units {
		for _, w := range unit.warnings {
			fmt.Fprintln(os.Stderr, w.String())
			sawWarning = true
		}
	}
	log.Infof(ctx, "compiled %s", plural(len(units), "file", "files"))

	if opts.list > 0 {
		for _, unit := range units {
			functionNames := make(map[*gmcode.Prototype]string)
			nameFunctions(functionNames, unit.proto)
			pcBase := 0
			if !opts.rawPC {
				pcBase = 1
			}
			if err := printFunction(unit.proto, functionNames, pcBase, opts.list > 1); err != nil {
				return err
			}
		}
	}

	if !opts.parseOnly {
		if opts.pack {
			if err := writePackedArchive(opts.outputFilename, units); err != nil {
				return err
			}
		} else {
			for i, unit := range units {
				outputFilename := opts.outputFilename
				if len(units) > 1 {
					outputFilename = fmt.Sprintf("%s.%d", outputFilename, i)
				}
				if err := os.WriteFile(outputFilename, unit.output, 0o666); err != nil {
					return err
				}
			}
		}
	}

	if opts.warningsAsErrors && sawWarning {
		return errors.New("warnings were emitted (-W)")
	}
	return nil
}

func compileFile(inputFilename string, opts *options) (*compiledUnit, error) {
	f, err := os.Open(inputFilename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	unit := &compiledUnit{inputFilename: inputFilename}
	if header, _ := br.Peek(len(gmcode.Signature)); string(header) == gmcode.Signature {
		bytecode, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		unit.proto = new(gmcode.Prototype)
		if err := unit.proto.UnmarshalBinary(bytecode); err != nil {
			return nil, err
		}
	} else {
		var sourceName gmcode.Source
		if opts.source != "" {
			sourceName = gmcode.Source(opts.source)
		} else {
			sourceName = gmcode.FilenameSource(inputFilename)
		}
		proto, warnings, err := gmcode.ParseWithWarnings(sourceName, br)
		if err != nil {
			return nil, err
		}
		unit.proto = proto
		unit.warnings = warnings
	}

	if !opts.parseOnly {
		proto := unit.proto
		if opts.stripDebug {
			proto = proto.StripDebug()
		}
		output, err := proto.MarshalBinary()
		if err != nil {
			return nil, err
		}
		unit.output = output
	}
	return unit, nil
}

// writePackedArchive bundles every unit's compiled output into a single
// bzip2-compressed archive, framed as a sequence of
// "<uuid> <name> <length>\n<bytes>" records so a reader can extract
// individual outputs without decompressing the whole file up front.
func writePackedArchive(outputFilename string, units []*compiledUnit) error {
	manifest := bytewriter.New(nil)
	for _, unit := range units {
		id := uuid.New()
		fmt.Fprintf(manifest, "%s %s %d\n", id, filepath.Base(unit.inputFilename), len(unit.output))
		manifest.Write(unit.output)
	}
	if _, err := manifest.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("pack archive: %w", err)
	}

	compressed, err := bytebuffer.BufferCreator{}.CreateBuffer(0)
	if err != nil {
		return fmt.Errorf("pack archive: %w", err)
	}
	defer compressed.Close()
	bw, err := bzip2.NewWriter(compressed, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return fmt.Errorf("pack archive: %w", err)
	}
	if _, err := manifest.WriteTo(bw); err != nil {
		bw.Close()
		return fmt.Errorf("pack archive: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("pack archive: %w", err)
	}
	if _, err := compressed.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("pack archive: %w", err)
	}

	out, err := os.OpenFile(outputFilename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("pack archive: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, compressed); err != nil {
		return fmt.Errorf("pack archive: %w", err)
	}
	return out.Close()
}

func plural(n int, unit string, unitPlural string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %s", n, unitPlural)
}

func printFunction(f *gmcode.Prototype, functionNames map[*gmcode.Prototype]string, pcBase int, full bool) error {
	var source string
	if s, ok := f.Source.Abstract(); ok {
		source = s
	} else if s, ok := f.Source.Filename(); ok {
		source = s
	} else if strings.HasPrefix(string(f.Source), gmcode.Signature[:1]) {
		source = "(bstring)"
	} else {
		source = "(string)"
	}
	ifElse := func(b bool, t, f string) string {
		if b {
			return t
		} else {
			return f
		}
	}
	pluralUnit := func(n int, unit string, unitPlural string) string {
		if n == 1 {
			return unit
		}
		return unitPlural
	}
	_, err := fmt.Printf(
		"\n%s <%s:%d,%d> (%s for %s)\n",
		ifElse(f.IsMainChunk(), "main", "function"),
		source,
		f.LineDefined,
		f.LastLineDefined,
		plural(len(f.Code), "instruction", "instructions"),
		functionNames[f],
	)
	if err != nil {
		return err
	}

	_, err = fmt.Printf(
		"%d%s %s, %s, %s, %s, %s, %s\n",
		f.NumParams,
		ifElse(f.IsVararg, "+", ""),
		pluralUnit(int(f.NumParams), "param", "params"),
		plural(int(f.MaxStackSize), "slot", "slots"),
		plural(len(f.Upvalues), "upvalue", "upvalues"),
		plural(len(f.LocalVariables), "local", "locals"),
		plural(len(f.Constants), "constant", "constants"),
		plural(len(f.Functions), "function", "functions"),
	)
	if err != nil {
		return err
	}

	lineBuf := new(bytes.Buffer)
	for pc, i := range f.Code {
		lineBuf.Reset()
		fmt.Fprintf(lineBuf, "\t%d\t", pcBase+pc)
		if pc < f.LineInfo.Len() {
			line := f.LineInfo.At(pc)
			fmt.Fprintf(lineBuf, "[%d]\t", line)
		} else {
			lineBuf.WriteString("[-]\t")
		}
		lineBuf.WriteString(i.String())

		// Contextual comments.
		switch i.OpCode() {
		case gmcode.OpLoadK:
			if bx := i.ArgBx(); int(bx) < len(f.Constants) {
				fmt.Fprintf(lineBuf, "\t; %v", f.Constants[bx])
			}
		case gmcode.OpEQK:
			if b := i.ArgB(); int(b) < len(f.Constants) {
				fmt.Fprintf(lineBuf, "\t; %v", f.Constants[b])
			}
		case gmcode.OpGetField:
			if c := i.ArgC(); int(c) < len(f.Constants) {
				fmt.Fprintf(lineBuf, "\t; %v", f.Constants[c])
			}
		case gmcode.OpSetField:
			if b := i.ArgB(); int(b) < len(f.Constants) {
				fmt.Fprintf(lineBuf, "\t; %v", f.Constants[b])
				if c := i.ArgC(); i.K() && int(c) < len(f.Constants) {
					fmt.Fprintf(lineBuf, " %v", f.Constants[c])
				}
			}
		case gmcode.OpClosure:
			if bx := i.ArgBx(); int(bx) < len(f.Functions) {
				fmt.Fprintf(lineBuf, "\t; %s", functionNames[f.Functions[bx]])
			}
		case gmcode.OpJmp:
			fmt.Fprintf(lineBuf, "\t; to %d", pcBase+pc+1+int(i.J()))
		}

		lineBuf.WriteByte('\n')
		if _, err := os.Stdout.Write(lineBuf.Bytes()); err != nil {
			return err
		}
	}

	if full {
		if _, err := fmt.Printf("constants (%d) for %s\n", len(f.Constants), functionNames[f]); err != nil {
			return err
		}
		for i, k := range f.Constants {
			lineBuf.Reset()
			fmt.Fprintf(lineBuf, "\t%d\t", i)
			switch {
			case k.IsNil():
				lineBuf.WriteString("N")
			case k.IsBoolean():
				lineBuf.WriteString("B")
			case k.IsInteger():
				lineBuf.WriteString("I")
			case k.IsNumber() && !k.IsInteger():
				lineBuf.WriteString("F")
			case k.IsString():
				lineBuf.WriteString("S")
			default:
				lineBuf.WriteString("?")
			}
			lineBuf.WriteString("\t")
			lineBuf.WriteString(k.String())
			lineBuf.WriteByte('\n')
			if _, err := os.Stdout.Write(lineBuf.Bytes()); err != nil {
				return err
			}
		}

		if _, err := fmt.Printf("locals (%d) for %s\n", len(f.LocalVariables), functionNames[f]); err != nil {
			return err
		}
		for i, v := range f.LocalVariables {
			_, err := fmt.Printf(
				"\t%d\t%s\t%d\t%d\n",
				i,
				v.Name,
				pcBase+v.StartPC,
				pcBase+v.EndPC,
			)
			if err != nil {
				return err
			}
		}

		if _, err := fmt.Printf("upvalues (%d) for %s\n", len(f.Upvalues), functionNames[f]); err != nil {
			return err
		}
		for i, uv := range f.Upvalues {
			inStack := "0"
			if uv.InStack {
				inStack = "1"
			}
			_, err := fmt.Printf(
				"\t%d\t%s\t%s\t%d\n",
				i,
				uv.Name,
				inStack,
				uv.Index,
			)
			if err != nil {
				return err
			}
		}
	}

	for _, f := range f.Functions {
		if err := printFunction(f, functionNames, pcBase, full); err != nil {
			return err
		}
	}

	return nil
}

func nameFunctions(names map[*gmcode.Prototype]string, f *gmcode.Prototype) {
	base := names[f]
	isTop := base == ""
	if isTop {
		if f.IsMainChunk() {
			base = "main"
		} else {
			base = "top"
		}
		names[f] = base
	}

	for i, f := range f.Functions {
		var name string
		if isTop {
			name = fmt.Sprintf("F[%d]", i)
		} else {
			name = fmt.Sprintf("%s[%d]", base, i)
		}
		names[f] = name
		nameFunctions(names, f)
	}
}
