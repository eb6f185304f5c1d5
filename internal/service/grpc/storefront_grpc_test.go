package grpcsvc

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var rpcPattern = regexp.MustCompile(`(?m)^\s*rpc\s+(\w+)\s*\(\s*google\.protobuf\.Struct\s*\)\s*returns\s*\(\s*google\.protobuf\.Struct\s*\)`)

func TestServiceDescMatchesProto(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "..", "proto", StorefrontServiceDesc.Metadata.(string)))
	require.NoError(t, err)
	proto := string(raw)

	require.Contains(t, proto, "package storefront.v1;")
	require.True(t, strings.HasPrefix(ServiceName, "storefront.v1."))
	require.Contains(t, proto, "service "+strings.TrimPrefix(ServiceName, "storefront.v1.")+" {")

	var fromProto []string
	for _, m := range rpcPattern.FindAllStringSubmatch(proto, -1) {
		fromProto = append(fromProto, m[1])
	}
	var fromDesc []string
	for _, m := range StorefrontServiceDesc.Methods {
		fromDesc = append(fromDesc, m.MethodName)
	}
	sort.Strings(fromProto)
	sort.Strings(fromDesc)
	require.Equal(t, fromDesc, fromProto)
}
