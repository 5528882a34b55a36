package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replayflow/replayflow/pkg/extract"
	"github.com/replayflow/replayflow/pkg/sink"
	"github.com/replayflow/replayflow/pkg/source"
	"github.com/replayflow/replayflow/pkg/tui"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Extract a built-in synthetic match end to end",
	Long: `Run the extraction pipeline over a scripted synthetic 1v1 match and
write real artifacts, no engine bridge required. The result is then
verified against its schema document, so this doubles as an install
smoke test.

Examples:
  replayflow demo -o /tmp/demo
  replayflow demo -o /tmp/demo --mode single_pass`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func runDemo(cmd *cobra.Command, args []string) error {
	s, err := resolveSettings(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	engine := source.NewScriptedEngine()
	engine.Register(source.DemoReplayName, source.DemoScript())

	res := extract.New(engine, s.extractOptions(cliLogger())).Run(ctx, source.DemoReplayName)
	if !res.Succeeded() {
		tui.PrintFailure(source.DemoReplayName, res.Err)
		return res.Err
	}

	sinkCfg := s.sinkConfig()
	tui.PrintSuccess(source.DemoReplayName, fmt.Sprintf("%s rows over %s ticks in %s",
		tui.FormatNumber(res.Rows), tui.FormatNumber(res.Ticks), tui.FormatDuration(res.Duration)))
	for _, p := range []string{
		sinkCfg.WideTablePath(source.DemoReplayName),
		sinkCfg.MessagesPath(source.DemoReplayName),
		sinkCfg.SchemaDocPath(source.DemoReplayName),
	} {
		fmt.Printf("    %s\n", p)
	}

	doc, err := sink.ReadSchemaDoc(sinkCfg.SchemaDocPath(source.DemoReplayName))
	if err != nil {
		return err
	}
	v, err := sink.VerifyWideTable(ctx, sinkCfg.WideTablePath(source.DemoReplayName), doc)
	if err != nil {
		return err
	}
	if !v.Passed() {
		for _, issue := range v.Issues {
			fmt.Printf("      %s\n", issue)
		}
		return fmt.Errorf("demo artifact failed verification with %d issues", len(v.Issues))
	}
	tui.PrintSuccess("verified", fmt.Sprintf("%d columns, %s rows", v.Columns, tui.FormatNumber(v.Rows)))
	return nil
}
