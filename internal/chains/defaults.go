package chains

// DefaultDescriptors is the built-in chain catalogue with public RPC endpoints.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{ID: 1, Name: "Ethereum", NativeSymbol: "ETH", RPCURL: "https://eth.llamarpc.com", ExplorerURL: "https://etherscan.io"},
		{ID: 137, Name: "Polygon", NativeSymbol: "MATIC", RPCURL: "https://polygon.llamarpc.com", ExplorerURL: "https://polygonscan.com"},
		{ID: 42161, Name: "Arbitrum", NativeSymbol: "ETH", RPCURL: "https://arbitrum.llamarpc.com", ExplorerURL: "https://arbiscan.io"},
		{ID: 10, Name: "Optimism", NativeSymbol: "ETH", RPCURL: "https://optimism.llamarpc.com", ExplorerURL: "https://optimistic.etherscan.io"},
		{ID: 8453, Name: "Base", NativeSymbol: "ETH", RPCURL: "https://base.llamarpc.com", ExplorerURL: "https://basescan.org"},
		{ID: 56, Name: "BNB Chain", NativeSymbol: "BNB", RPCURL: "https://binance.llamarpc.com", ExplorerURL: "https://bscscan.com"},
		{ID: 43114, Name: "Avalanche", NativeSymbol: "AVAX", RPCURL: "https://avalanche.public-rpc.com", ExplorerURL: "https://snowtrace.io"},
	}
}

// WithRPCOverrides returns a copy of descriptors with RPC URLs replaced from
// overrides. Overrides for chains not in the list are ignored.
func WithRPCOverrides(descriptors []Descriptor, overrides map[int64]string) []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	for i := range out {
		if u, ok := overrides[out[i].ID]; ok && u != "" {
			out[i].RPCURL = u
		}
	}
	return out
}
