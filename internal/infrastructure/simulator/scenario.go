package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

// Mainnet handles of the default four-market deployment
var (
	Comptroller = common.HexToAddress("0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B")
	WETH        = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	WBTC        = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	CWBTC       = common.HexToAddress("0xccF4429DB6322D5C611ee964527D42E5d685DD6a")
	COMP        = common.HexToAddress("0xc00e94Cb662C3520282E6f5717214004A7f26888")
	CCOMP       = common.HexToAddress("0x70e36f6BF80a52b3B46b3aF8e106CC0ed743E8e4")
	DAI         = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	CDAI        = common.HexToAddress("0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643")
	USDC        = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	CUSDC       = common.HexToAddress("0x39AA39c021dfbaE8faC545936693aC917d5E7563")

	// DefaultAccount is the account the default scenario acts for
	DefaultAccount = common.HexToAddress("0x00000000000000000000000000000000000C0FFE")
)

// ScenarioOptions tunes the default scenario
type ScenarioOptions struct {
	CollateralFactor   *big.Int // nil means 1.0
	BorrowRatePerBlock *big.Int
	SupplyRatePerBlock *big.Int
	SupplySpeed        *big.Int // reward per block in each market
	BorrowSpeed        *big.Int
}

// Scenario is a simulator pre-loaded with the default markets
type Scenario struct {
	Sim     *Simulator
	Markets []entity.MarketConfig
}

// Market returns the config registered for symbol
func (sc *Scenario) Market(symbol string) entity.MarketConfig {
	for _, m := range sc.Markets {
		if m.Symbol == symbol {
			return m.Clone()
		}
	}
	return entity.MarketConfig{}
}

// NewScenario lists WBTC, COMP, DAI and USDC markets with 0.95/0.99 factors
func NewScenario(opts ScenarioOptions) (*Scenario, error) {
	cf := opts.CollateralFactor
	if cf == nil {
		cf = new(big.Int).Set(entity.Mantissa)
	}

	sim := New(DefaultAccount, COMP)
	sim.SetPrice(WETH, big.NewInt(3000))

	type listing struct {
		symbol     string
		receipt    common.Address
		underlying common.Address
		rate       string
		price      string
		fee        uint32
	}
	listings := []listing{
		{"WBTC", CWBTC, WBTC, "20000000000000000", "600000000000000", 3000},
		{"COMP", CCOMP, COMP, "200000000000000000000000000", "50", 3000},
		{"DAI", CDAI, DAI, "220000000000000000000000000", "1", 500},
		{"USDC", CUSDC, USDC, "220000000000000", "1000000000000", 3000},
	}

	target, _ := new(big.Int).SetString("950000000000000000", 10)
	max, _ := new(big.Int).SetString("990000000000000000", 10)
	cash, _ := new(big.Int).SetString("1000000000000000000000000000000", 10)

	sc := &Scenario{Sim: sim}
	for _, sp := range listings {
		rate, _ := new(big.Int).SetString(sp.rate, 10)
		price, _ := new(big.Int).SetString(sp.price, 10)
		err := sim.AddMarket(MarketParams{
			Receipt:            sp.receipt,
			Underlying:         sp.underlying,
			ExchangeRate:       rate,
			CollateralFactor:   cf,
			Price:              price,
			BorrowRatePerBlock: opts.BorrowRatePerBlock,
			SupplyRatePerBlock: opts.SupplyRatePerBlock,
			SupplySpeed:        opts.SupplySpeed,
			BorrowSpeed:        opts.BorrowSpeed,
			Cash:               cash,
		})
		if err != nil {
			return nil, err
		}
		sc.Markets = append(sc.Markets, entity.MarketConfig{
			Symbol:           sp.symbol,
			ReceiptHandle:    sp.receipt,
			UnderlyingHandle: sp.underlying,
			TargetFactor:     new(big.Int).Set(target),
			MaxFactor:        new(big.Int).Set(max),
			SwapFeeTier:      sp.fee,
		})
	}
	return sc, nil
}
