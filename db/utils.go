package db

var (
	NamespaceOutput             = []byte("o")
	NamespaceOutputHeight       = []byte("oh")
	NamespaceOutputChallenge    = []byte("oc")
	NamespaceTransfer           = []byte("tf")
	NamespaceTransferChallenge  = []byte("tc")
	NamespaceReplayKey          = []byte("rk")
	NamespaceRateWindow         = []byte("rw")
	NamespaceLiquidityPool      = []byte("lq")
	NamespaceLiquidityProvider  = []byte("lp")
	NamespaceAsset              = []byte("as")
	NamespaceMeta               = []byte("m")
	EmptyKey                    = []byte{}
	Separator                   = []byte("|")

	KeyLatestFinalizedHeight = []byte("lfh")
	KeyNextTransferID        = []byte("ntid")
	KeyNextChallengeID       = []byte("ncid")
)

func PrependNamespace(namespace []byte, key []byte) []byte {
	if namespace != nil {
		return append(append(namespace, Separator...), key...)
	}
	return key
}

func ConvNilToBytes(byteArray []byte) []byte {
	if byteArray == nil {
		return []byte{}
	}
	return byteArray
}
