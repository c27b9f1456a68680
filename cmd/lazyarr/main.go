// Command lazyarr creates, inspects and computes lazy expressions over
// chunked arrays stored on the local filesystem.
//
// Usage:
//
//	lazyarr create -base DIR -path NAME -shape 200,300 -chunks 64,64 [-dtype "<f8"] [-fill N]
//	lazyarr info -base DIR -path NAME
//	lazyarr save -base DIR -path NAME -expr "a.sum() + b * c" -operand a=apath -operand b=bpath ...
//	lazyarr compute -base DIR -path NAME [-out OUTPATH]
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/qri-io/lazyarr"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("lazyarr: ")

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "save":
		err = runSave(os.Args[2:])
	case "compute":
		err = runCompute(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: lazyarr <create|info|save|compute> [flags]")
	os.Exit(2)
}

func openStore(base string) (lazyarr.Store, error) {
	return lazyarr.NewLocalStore(base)
}

func parseDims(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing dimension list")
	}
	parts := strings.Split(s, ",")
	dims := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid dimension %q", p)
		}
		dims[i] = d
	}
	return dims, nil
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	base := fs.String("base", ".", "store directory")
	path := fs.String("path", "", "array path within the store")
	shapeStr := fs.String("shape", "", "comma-separated dimension lengths")
	chunksStr := fs.String("chunks", "", "comma-separated chunk lengths")
	dtypeStr := fs.String("dtype", "<f8", "element type")
	fill := fs.Float64("fill", 0, "fill value")
	fs.Parse(args)

	store, err := openStore(*base)
	if err != nil {
		return err
	}
	shape, err := parseDims(*shapeStr)
	if err != nil {
		return err
	}
	chunks, err := parseDims(*chunksStr)
	if err != nil {
		return err
	}
	dt, err := lazyarr.ParseDtype(*dtypeStr)
	if err != nil {
		return err
	}

	a, err := lazyarr.Full(store, *path, lazyarr.ModeWrite, shape, chunks, dt, *fill)
	if err != nil {
		return err
	}
	fmt.Println(a.Info())
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	base := fs.String("base", ".", "store directory")
	path := fs.String("path", "", "array or expression path within the store")
	fs.Parse(args)

	store, err := openStore(*base)
	if err != nil {
		return err
	}

	if a, err := lazyarr.Open(store, *path, lazyarr.ModeRead); err == nil {
		fmt.Println(a.Info())
		return nil
	}

	e, err := lazyarr.OpenExpr(store, *path)
	if err != nil {
		return err
	}
	shape, err := e.Shape()
	if err != nil {
		return err
	}
	dt, err := e.Dtype()
	if err != nil {
		return err
	}
	fmt.Printf("<lazyarr.LazyExpr %q shape=%v dtype=%s>\n", e.Expr(), shape, dt)
	return nil
}

type operandFlags map[string]string

func (o operandFlags) String() string { return "" }

func (o operandFlags) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("operand must be name=path, got %q", v)
	}
	o[name] = path
	return nil
}

func runSave(args []string) error {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	base := fs.String("base", ".", "store directory")
	path := fs.String("path", "", "destination path for the expression")
	expr := fs.String("expr", "", "expression text")
	operands := operandFlags{}
	fs.Var(operands, "operand", "operand binding name=path (repeatable)")
	fs.Parse(args)

	store, err := openStore(*base)
	if err != nil {
		return err
	}

	bindings := map[string]*lazyarr.Array{}
	for name, opPath := range operands {
		a, err := lazyarr.Open(store, opPath, lazyarr.ModeRead)
		if err != nil {
			return err
		}
		bindings[name] = a
	}

	e, err := lazyarr.Parse(*expr, bindings)
	if err != nil {
		return err
	}
	return e.Save(store, *path, lazyarr.ModeWrite)
}

func runCompute(args []string) error {
	fs := flag.NewFlagSet("compute", flag.ExitOnError)
	base := fs.String("base", ".", "store directory")
	path := fs.String("path", "", "path of a saved expression")
	out := fs.String("out", "", "write the result to this path instead of printing a summary")
	chunksStr := fs.String("chunks", "", "explicit output chunking")
	fs.Parse(args)

	store, err := openStore(*base)
	if err != nil {
		return err
	}
	e, err := lazyarr.OpenExpr(store, *path)
	if err != nil {
		return err
	}

	opts := &lazyarr.ComputeOptions{}
	if *out != "" {
		opts.Store = store
		opts.URLPath = *out
	}
	if *chunksStr != "" {
		chunks, err := parseDims(*chunksStr)
		if err != nil {
			return err
		}
		opts.Chunks = chunks
	}

	res, err := e.Compute(opts)
	if err != nil {
		return err
	}
	fmt.Println(res.Info())

	if *out == "" {
		shape := res.Shape()
		if len(shape) == 0 {
			v, err := res.At()
			if err != nil {
				return err
			}
			fmt.Println(v)
		}
	}
	return nil
}
