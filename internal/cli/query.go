package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/memory"
)

var (
	querySubject   string
	querySignature string
	queryTopK      int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find stored patterns resembling a subject or signature",
	Args:  cobra.NoArgs,
	RunE:  runQuery,
}

func init() {
	f := queryCmd.Flags()
	f.StringVar(&querySubject, "subject", "", "actor or ring whose latest pattern is the query")
	f.StringVar(&querySignature, "signature", "", "comma separated signature vector")
	f.IntVarP(&queryTopK, "top-k", "k", 0, "number of matches (default retrieval.top_k)")
	queryCmd.MarkFlagsOneRequired("subject", "signature")
	queryCmd.MarkFlagsMutuallyExclusive("subject", "signature")
}

func runQuery(cmd *cobra.Command, args []string) error {
	topK := queryTopK
	if topK == 0 {
		topK = cfg.Retrieval.TopK
	}

	var sig []float64
	if querySignature != "" {
		var err error
		if sig, err = parseSignature(querySignature); err != nil {
			return err
		}
	}

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	var matches []memory.Match
	if querySubject != "" {
		matches, err = s.eng.QuerySubject(querySubject, topK)
	} else {
		matches, err = s.eng.Query(sig, topK)
	}
	if errors.IsEmptyIndex(err) {
		cmd.PrintErrln("no consolidated patterns yet")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), matches)
}

func parseSignature(v string) ([]float64, error) {
	parts := strings.Split(v, ",")
	sig := make([]float64, 0, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.Validationf("--signature component %d: %v", i, err)
		}
		sig = append(sig, f)
	}
	return sig, nil
}
