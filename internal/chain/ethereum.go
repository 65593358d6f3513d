package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "qubic-autopilot/internal/errors"
)

// EVMConfig 描述 EVM 兼容链客户端的构造参数。
type EVMConfig struct {
	RPCURL string
	// SignerKeyHex 为热钱包私钥的十六进制表示，从环境变量读取后传入。
	SignerKeyHex string
	// CallTimeout 为单次 RPC 调用的超时时间。
	CallTimeout time.Duration
	// Confirmations 为认定交易已确认所需的区块数。
	Confirmations uint64
}

// EVMClient 通过 go-ethereum 访问 EVM 兼容链的原生资产。
// 金额直接使用链的最小单位，不做精度换算。
type EVMClient struct {
	rpcClient     *gethrpc.Client
	eth           *ethclient.Client
	signerKey     *ecdsa.PrivateKey
	identity      common.Address
	chainID       *big.Int
	callTimeout   time.Duration
	confirmations uint64
	mu            sync.Mutex
}

// NewEVMClient 连接节点并加载热钱包签名私钥。
func NewEVMClient(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置链节点 RPC 地址")
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.SignerKeyHex), "0x")
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置热钱包签名私钥")
	}
	signerKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析热钱包私钥失败")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接链节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	return &EVMClient{
		rpcClient:     rpcClient,
		eth:           eth,
		signerKey:     signerKey,
		identity:      crypto.PubkeyToAddress(signerKey.PublicKey),
		chainID:       chainID,
		callTimeout:   timeout,
		confirmations: confirmations,
	}, nil
}

// Identity 返回热钱包地址。
func (c *EVMClient) Identity() string {
	return c.identity.Hex()
}

func (c *EVMClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// Send 构造并发送一笔原生资产转账。
func (c *EVMClient) Send(ctx context.Context, dest string, amount int64) (SendResult, error) {
	if !common.IsHexAddress(dest) {
		return SendResult{}, xerrors.New(xerrors.CodeInvalidArgument, "目标地址不合法",
			xerrors.WithMetadata("dest", dest))
	}
	if amount <= 0 {
		return SendResult{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正")
	}

	// 发送路径持锁串行化 nonce 获取与广播。
	c.mu.Lock()
	defer c.mu.Unlock()

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(callCtx, c.identity)
	if err != nil {
		return SendResult{}, WrapCallError(err, "获取 nonce 失败")
	}
	gasPrice, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return SendResult{}, WrapCallError(err, "获取 gas 价格失败")
	}

	to := common.HexToAddress(dest)
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(amount),
		Gas:      21000,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.signerKey)
	if err != nil {
		return SendResult{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	if err := c.eth.SendTransaction(callCtx, signed); err != nil {
		return SendResult{}, WrapCallError(err, "广播交易失败")
	}
	return SendResult{TxID: signed.Hash().Hex()}, nil
}

// BalanceOf 返回地址的链上余额。
func (c *EVMClient) BalanceOf(ctx context.Context, identity string) (int64, error) {
	if !common.IsHexAddress(identity) {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "查询地址不合法")
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	balance, err := c.eth.BalanceAt(callCtx, common.HexToAddress(identity), nil)
	if err != nil {
		return 0, WrapCallError(err, "查询链上余额失败")
	}
	if !balance.IsInt64() {
		return 0, xerrors.New(xerrors.CodeChainFailure, "链上余额超出可表示范围")
	}
	return balance.Int64(), nil
}

// Transfers 扫描区块区间，返回与 identity 相关的原生资产转账。
func (c *EVMClient) Transfers(ctx context.Context, identity string, fromBlock, toBlock uint64) ([]Transfer, error) {
	if !common.IsHexAddress(identity) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "查询地址不合法")
	}
	target := common.HexToAddress(identity)
	signer := coretypes.LatestSignerForChainID(c.chainID)

	var transfers []Transfer
	for number := fromBlock; number <= toBlock; number++ {
		callCtx, cancel := c.callCtx(ctx)
		block, err := c.eth.BlockByNumber(callCtx, new(big.Int).SetUint64(number))
		cancel()
		if err != nil {
			return nil, WrapCallError(err, "读取区块失败")
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || tx.Value().Sign() <= 0 {
				continue
			}
			sender, err := coretypes.Sender(signer, tx)
			if err != nil {
				continue
			}
			if *tx.To() != target && sender != target {
				continue
			}
			if !tx.Value().IsInt64() {
				continue
			}
			transfers = append(transfers, Transfer{
				TxID:      tx.Hash().Hex(),
				SourceID:  sender.Hex(),
				DestID:    tx.To().Hex(),
				Amount:    tx.Value().Int64(),
				Block:     number,
				Timestamp: int64(block.Time()),
			})
		}
	}
	return transfers, nil
}

// Verify 查询交易并根据确认数判断其状态。
func (c *EVMClient) Verify(ctx context.Context, txID string) (Verification, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	hash := common.HexToHash(txID)
	tx, pending, err := c.eth.TransactionByHash(callCtx, hash)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return Verification{}, nil
		}
		return Verification{}, WrapCallError(err, "查询交易失败")
	}

	verification := Verification{Found: true}
	if tx.To() != nil {
		verification.DestID = tx.To().Hex()
	}
	if tx.Value().IsInt64() {
		verification.Amount = tx.Value().Int64()
	}
	if sender, senderErr := coretypes.Sender(coretypes.LatestSignerForChainID(c.chainID), tx); senderErr == nil {
		verification.SourceID = sender.Hex()
	}
	if pending {
		return verification, nil
	}

	receipt, err := c.eth.TransactionReceipt(callCtx, hash)
	if err != nil {
		return verification, nil
	}
	verification.Block = receipt.BlockNumber.Uint64()
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return verification, nil
	}

	tip, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		return verification, WrapCallError(err, "获取最新区块高度失败")
	}
	verification.Confirmed = tip >= verification.Block && tip-verification.Block+1 >= c.confirmations
	return verification, nil
}

// Tip 返回最新区块高度。
func (c *EVMClient) Tip(ctx context.Context) (uint64, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	tip, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		return 0, WrapCallError(err, "获取最新区块高度失败")
	}
	return tip, nil
}

// Close 释放网络连接。
func (c *EVMClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

var _ Client = (*EVMClient)(nil)
