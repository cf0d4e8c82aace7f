package config

import "fmt"

// network はネットワークIDごとの表示名とブロックエクスプローラー。
type network struct {
	name     string
	explorer string
}

var networks = map[string]network{
	"1":     {name: "Ethereum Mainnet", explorer: "https://etherscan.io"},
	"3":     {name: "Ropsten Testnet", explorer: "https://ropsten.etherscan.io"},
	"4":     {name: "Rinkeby Testnet", explorer: "https://rinkeby.etherscan.io"},
	"5":     {name: "Goerli Testnet", explorer: "https://goerli.etherscan.io"},
	"42":    {name: "Kovan Testnet", explorer: "https://kovan.etherscan.io"},
	"56":    {name: "Binance Smart Chain", explorer: "https://bscscan.com"},
	"97":    {name: "BSC Testnet", explorer: "https://testnet.bscscan.com"},
	"137":   {name: "Polygon Mainnet", explorer: "https://polygonscan.com"},
	"80001": {name: "Mumbai Testnet", explorer: "https://mumbai.polygonscan.com"},
}

// NetworkName はネットワークIDの表示名を返す。
func NetworkName(networkID string) string {
	if n, ok := networks[networkID]; ok {
		return n.name
	}
	return fmt.Sprintf("Unknown Network (%s)", networkID)
}

// ExplorerURL はネットワークIDに対応するブロックエクスプローラーのURLを返す。
// 不明なIDはEthereum Mainnetのエクスプローラーにする。
func ExplorerURL(networkID string) string {
	if n, ok := networks[networkID]; ok {
		return n.explorer
	}
	return networks["1"].explorer
}

// TxURL はトランザクションハッシュのエクスプローラーURLを返す。
func TxURL(networkID, txHash string) string {
	if txHash == "" {
		return ""
	}
	return ExplorerURL(networkID) + "/tx/" + txHash
}
