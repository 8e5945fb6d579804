// Command eventacli is a small diagnostic tool: it wires an in-process
// bus.Context, registers a unary echo family and a streaming counter
// family, and lets an operator exercise both from a terminal. It imports
// nothing the library itself doesn't already import, and exists purely for
// smoke-testing the library the way every other pack repo ships a cmd/
// entry point (spec.md §6 names no CLI as part of the core's own surface).
package main

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"

	"goa.design/eventa/bus"
	"goa.design/eventa/invoke"
)

var echoFamily = invoke.DefineFamily[string, string]("eventacli.echo")

var countFamily = invoke.DefineFamily[int, int]("eventacli.count")

func main() {
	ctx := bus.NewContext()

	invoke.DefineInvokeHandler(ctx, echoFamily, invoke.Single(
		func(_ context.Context, req string, _ invoke.HandlerOptions) (string, bus.Options, error) {
			return "echo: " + req, bus.Options{}, nil
		},
	))

	invoke.DefineStreamInvokeHandler(ctx, countFamily, func(_ context.Context, req iter.Seq2[int, error], _ invoke.HandlerOptions) iter.Seq2[int, error] {
		var n int
		for v, err := range req {
			if err != nil {
				n = 0
				break
			}
			n = v
		}
		return func(yield func(int, error) bool) {
			for i := 1; i <= n; i++ {
				if !yield(i, nil) {
					return
				}
			}
		}
	})

	echoClient := invoke.DefineInvoke(ctx, echoFamily)
	countClient := invoke.DefineStreamInvoke(ctx, countFamily)

	fmt.Println("eventacli: type 'echo <text>' or 'count <n>', blank line to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return
		}
		fields := strings.SplitN(line, " ", 2)
		switch fields[0] {
		case "echo":
			arg := ""
			if len(fields) > 1 {
				arg = fields[1]
			}
			res, err := echoClient.Call(context.Background(), arg)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(res)
		case "count":
			n := 0
			if len(fields) > 1 {
				n, _ = strconv.Atoi(fields[1])
			}
			for v, err := range countClient.Call(context.Background(), n) {
				if err != nil {
					fmt.Println("error:", err)
					break
				}
				fmt.Println(v)
			}
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
