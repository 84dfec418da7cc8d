package errs

// Code is a numeric failure code. Codes are grouped by component in blocks of 100.
type Code uint16

const (
	// governance and roles
	Forbidden Code = 1 + iota
	GovForbidden
	InvalidConfig
	StaleConfigVersion
)

const (
	VaultForbidden Code = 100 + iota
	VaultInvalidCaller
	VaultTokenNotWhitelisted
	VaultInvalidTokenAmount
	VaultInvalidUsdgAmount
	VaultInvalidRedemptionAmount
	VaultInvalidAmountOut
	VaultSwapsNotEnabled
	VaultInvalidTokens
	VaultInvalidAmountIn
	VaultLeverageNotEnabled
	VaultMismatchedTokens
	VaultCollateralNotWhitelisted
	VaultCollateralMustNotBeStable
	VaultCollateralMustBeStable
	VaultIndexMustNotBeStable
	VaultIndexNotShortable
	VaultInsufficientCollateralForFees
	VaultInvalidPositionSize
	VaultEmptyPosition
	VaultPositionSizeExceeded
	VaultPositionCollateralExceeded
	VaultInvalidLiquidator
	VaultCannotLiquidate
	VaultLossesExceedCollateral
	VaultFeesExceedCollateral
	VaultLiquidationFeesExceedCollateral
	VaultMaxLeverageExceeded
	VaultInvalidAveragePrice
	VaultPoolAmountExceeded
	VaultReserveExceedsPool
	VaultInsufficientReserve
	VaultPoolBelowBuffer
	VaultMaxUsdgExceeded
	VaultMaxShortsExceeded
	VaultInvalidIncrease
	VaultSizeBelowCollateral
	VaultCollateralShouldBeWithdrawn
	VaultInsufficientAmountOut
	VaultMaxUtilisationExceeded
)

const (
	RouterInvalidPlugin Code = 200 + iota
	RouterPluginNotApproved
	RouterInvalidPath
	RouterInsufficientAmountOut
	RouterForbidden
	RouterInvalidExecutionFee
	RouterInvalidValue
	RouterInvalidPathLength
	RouterMarkPriceAboveLimit
	RouterMarkPriceBelowLimit
	RouterDelayNotPassed
	RouterInvalidReceiver
	RouterLeverageDisabled
)

const (
	OracleForbidden Code = 300 + iota
	OracleAlreadyInitialized
	OracleTimestampOutOfRange
	OracleMinBlockIntervalNotPassed
	OracleAlreadyVoted
	OracleAlreadyEnabled
	OracleInvalidLengths
	OracleInvalidPriceDuration
	OracleInvalidPriceFeed
	OracleInvalidPrice
	OracleCouldNotFetchPrice
	OracleMaxDeviationExceeded
	OracleInvalidSampleSpace
	OracleInvalidSpread
)

const (
	KlpActionNotEnabled Code = 400 + iota
	KlpForbidden
	KlpInvalidAmount
	KlpInsufficientUsdgOutput
	KlpInsufficientKlpOutput
	KlpCooldownNotPassed
	KlpInsufficientOutput
	KlpInvalidCooldownDuration
)

const (
	TokenInsufficientBalance Code = 500 + iota
	TokenInsufficientAllowance
	TokenForbidden
	TokenNotWhitelisted
	TokenInvalidAmount
)

const (
	OrderBookInvalidPath Code = 600 + iota
	OrderBookInvalidPathLength
	OrderBookInsufficientExecutionFee
	OrderBookIncorrectExecutionFee
	OrderBookIncorrectValue
	OrderBookInsufficientCollateral
	OrderBookNonExistentOrder
	OrderBookInvalidPrice
	ComplexInvalidSizeDeltaLength
	ComplexInvalidPriceLength
	ComplexInvalidTokenLength
	ComplexInvalidExecutionFeeLength
	ComplexInvalidValue
	ComplexInvalidPathLength
)

type entry struct {
	cat Category
	msg string
}

var defaults = map[Code]entry{
	Forbidden:          {Authorization, "Governable: forbidden"},
	GovForbidden:       {Authorization, "Governor: forbidden"},
	InvalidConfig:      {InvalidParameter, "Governor: invalid config"},
	StaleConfigVersion: {InvalidParameter, "Governor: stale config version"},

	VaultForbidden:                       {Authorization, "Vault: forbidden"},
	VaultInvalidCaller:                   {Authorization, "Vault: invalid msg.sender"},
	VaultTokenNotWhitelisted:             {InvalidParameter, "Vault: token not whitelisted"},
	VaultInvalidTokenAmount:              {InvalidParameter, "Vault: invalid tokenAmount"},
	VaultInvalidUsdgAmount:               {InvalidParameter, "Vault: invalid usdgAmount"},
	VaultInvalidRedemptionAmount:         {InvalidParameter, "Vault: invalid redemptionAmount"},
	VaultInvalidAmountOut:                {InvalidParameter, "Vault: invalid amountOut"},
	VaultSwapsNotEnabled:                 {Authorization, "Vault: swaps not enabled"},
	VaultInvalidTokens:                   {InvalidParameter, "Vault: invalid tokens"},
	VaultInvalidAmountIn:                 {InvalidParameter, "Vault: invalid amountIn"},
	VaultLeverageNotEnabled:              {Authorization, "Vault: leverage not enabled"},
	VaultMismatchedTokens:                {InvalidParameter, "Vault: mismatched tokens"},
	VaultCollateralNotWhitelisted:        {InvalidParameter, "Vault: collateral token not whitelisted"},
	VaultCollateralMustNotBeStable:       {InvalidParameter, "Vault: collateral token must not be a stableToken"},
	VaultCollateralMustBeStable:          {InvalidParameter, "Vault: collateral token must be a stableToken"},
	VaultIndexMustNotBeStable:            {InvalidParameter, "Vault: index token must not be a stableToken"},
	VaultIndexNotShortable:               {InvalidParameter, "Vault: index token not shortable"},
	VaultInsufficientCollateralForFees:   {Leverage, "Vault: insufficient collateral for fees"},
	VaultInvalidPositionSize:             {InvalidParameter, "Vault: invalid position.size"},
	VaultEmptyPosition:                   {InvalidParameter, "Vault: empty position"},
	VaultPositionSizeExceeded:            {InvalidParameter, "Vault: position size exceeded"},
	VaultPositionCollateralExceeded:      {InvalidParameter, "Vault: position collateral exceeded"},
	VaultInvalidLiquidator:               {Authorization, "Vault: invalid liquidator"},
	VaultCannotLiquidate:                 {InvalidParameter, "Vault: position cannot be liquidated"},
	VaultLossesExceedCollateral:          {Leverage, "Vault: losses exceed collateral"},
	VaultFeesExceedCollateral:            {Leverage, "Vault: fees exceed collateral"},
	VaultLiquidationFeesExceedCollateral: {Leverage, "Vault: liquidation fees exceed collateral"},
	VaultMaxLeverageExceeded:             {Leverage, "Vault: maxLeverage exceeded"},
	VaultInvalidAveragePrice:             {InvalidParameter, "Vault: invalid averagePrice"},
	VaultPoolAmountExceeded:              {InsufficientLiquidity, "Vault: poolAmount exceeded"},
	VaultReserveExceedsPool:              {InsufficientLiquidity, "Vault: reserve exceeds pool"},
	VaultInsufficientReserve:             {InsufficientLiquidity, "Vault: insufficient reserve"},
	VaultPoolBelowBuffer:                 {InsufficientLiquidity, "Vault: poolAmount < buffer"},
	VaultMaxUsdgExceeded:                 {InsufficientLiquidity, "Vault: max USDG exceeded"},
	VaultMaxShortsExceeded:               {Leverage, "Vault: max shorts exceeded"},
	VaultInvalidIncrease:                 {InsufficientLiquidity, "Vault: invalid increase"},
	VaultSizeBelowCollateral:             {Leverage, "Vault: _size must be more than _collateral"},
	VaultCollateralShouldBeWithdrawn:     {InvalidParameter, "Vault: collateral should be withdrawn"},
	VaultInsufficientAmountOut:           {Slippage, "Vault: insufficient amountOut"},
	VaultMaxUtilisationExceeded:          {Leverage, "Vault: reserve exceeds pool"},

	RouterInvalidPlugin:         {Authorization, "Router: invalid plugin"},
	RouterPluginNotApproved:     {Authorization, "Router: plugin not approved"},
	RouterInvalidPath:           {InvalidParameter, "Router: invalid _path"},
	RouterInsufficientAmountOut: {Slippage, "Router: insufficient amountOut"},
	RouterForbidden:             {Authorization, "PositionRouter: forbidden"},
	RouterInvalidExecutionFee:   {InvalidParameter, "PositionRouter: invalid executionFee"},
	RouterInvalidValue:          {InvalidParameter, "PositionRouter: invalid msg.value"},
	RouterInvalidPathLength:     {InvalidParameter, "PositionRouter: invalid _path length"},
	RouterMarkPriceAboveLimit:   {Slippage, "PositionRouter: markPrice > price"},
	RouterMarkPriceBelowLimit:   {Slippage, "PositionRouter: markPrice < price"},
	RouterDelayNotPassed:        {CooldownNotElapsed, "PositionRouter: delay not yet passed"},
	RouterInvalidReceiver:       {InvalidParameter, "PositionRouter: invalid receiver"},
	RouterLeverageDisabled:      {Authorization, "PositionRouter: leverage disabled"},

	OracleForbidden:                 {Authorization, "FastPriceFeed: forbidden"},
	OracleAlreadyInitialized:        {Authorization, "FastPriceFeed: already initialized"},
	OracleTimestampOutOfRange:       {StalePrice, "FastPriceFeed: _timestamp exceeds allowed range"},
	OracleMinBlockIntervalNotPassed: {CooldownNotElapsed, "FastPriceFeed: minBlockInterval not yet passed"},
	OracleAlreadyVoted:              {InvalidParameter, "FastPriceFeed: already voted"},
	OracleAlreadyEnabled:            {InvalidParameter, "FastPriceFeed: already enabled"},
	OracleInvalidLengths:            {InvalidParameter, "FastPriceFeed: invalid lengths"},
	OracleInvalidPriceDuration:      {InvalidParameter, "FastPriceFeed: invalid _priceDuration"},
	OracleInvalidPriceFeed:          {InvalidParameter, "VaultPriceFeed: invalid price feed"},
	OracleInvalidPrice:              {InvalidParameter, "VaultPriceFeed: invalid price"},
	OracleCouldNotFetchPrice:        {StalePrice, "VaultPriceFeed: could not fetch price"},
	OracleMaxDeviationExceeded:      {Deviation, "VaultPriceFeed: max deviation exceeded"},
	OracleInvalidSampleSpace:        {InvalidParameter, "VaultPriceFeed: invalid _priceSampleSpace"},
	OracleInvalidSpread:             {InvalidParameter, "VaultPriceFeed: invalid _spreadBasisPoints"},

	KlpActionNotEnabled:        {Authorization, "KlpManager: action not enabled"},
	KlpForbidden:               {Authorization, "KlpManager: forbidden"},
	KlpInvalidAmount:           {InvalidParameter, "KlpManager: invalid _amount"},
	KlpInsufficientUsdgOutput:  {Slippage, "KlpManager: insufficient USDG output"},
	KlpInsufficientKlpOutput:   {Slippage, "KlpManager: insufficient KLP output"},
	KlpCooldownNotPassed:       {CooldownNotElapsed, "KlpManager: cooldown duration not yet passed"},
	KlpInsufficientOutput:      {Slippage, "KlpManager: insufficient output"},
	KlpInvalidCooldownDuration: {InvalidParameter, "KlpManager: invalid _cooldownDuration"},

	TokenInsufficientBalance:   {InsufficientLiquidity, "ERC20: transfer amount exceeds balance"},
	TokenInsufficientAllowance: {Authorization, "ERC20: transfer amount exceeds allowance"},
	TokenForbidden:             {Authorization, "BaseToken: forbidden"},
	TokenNotWhitelisted:        {Authorization, "BaseToken: msg.sender not whitelisted"},
	TokenInvalidAmount:         {InvalidParameter, "ERC20: invalid amount"},

	OrderBookInvalidPath:              {InvalidParameter, "OrderBook: invalid _path"},
	OrderBookInvalidPathLength:        {InvalidParameter, "OrderBook: invalid _path.length"},
	OrderBookInsufficientExecutionFee: {InvalidParameter, "OrderBook: insufficient execution fee"},
	OrderBookIncorrectExecutionFee:    {InvalidParameter, "OrderBook: incorrect execution fee transferred"},
	OrderBookIncorrectValue:           {InvalidParameter, "OrderBook: incorrect value transferred"},
	OrderBookInsufficientCollateral:   {InvalidParameter, "OrderBook: insufficient collateral"},
	OrderBookNonExistentOrder:         {InvalidParameter, "OrderBook: non-existent order"},
	OrderBookInvalidPrice:             {Slippage, "OrderBook: invalid price for execution"},
	ComplexInvalidSizeDeltaLength:     {InvalidParameter, "ComplexOrderRouter: invalid _sizeDelta length"},
	ComplexInvalidPriceLength:         {InvalidParameter, "ComplexOrderRouter: invalid _price length"},
	ComplexInvalidTokenLength:         {InvalidParameter, "ComplexOrderRouter: invalid _token length"},
	ComplexInvalidExecutionFeeLength:  {InvalidParameter, "ComplexOrderRouter: invalid _executionFee length"},
	ComplexInvalidValue:               {InvalidParameter, "ComplexOrderRouter: invalid msg.value"},
	ComplexInvalidPathLength:          {InvalidParameter, "ComplexOrderRouter: invalid _path length"},
}

// Category returns the category the code belongs to.
func (c Code) Category() Category {
	if d, ok := defaults[c]; ok {
		return d.cat
	}
	return InvalidParameter
}

// Codes lists every known code.
func Codes() []Code {
	out := make([]Code, 0, len(defaults))
	for c := range defaults {
		out = append(out, c)
	}
	return out
}
