package aqi

// Breakpoint maps the concentration range [CLow, CHigh] onto the index range
// [ILow, IHigh].
type Breakpoint struct {
	CLow  float64 `json:"c_low"`
	CHigh float64 `json:"c_high"`
	ILow  int     `json:"i_low"`
	IHigh int     `json:"i_high"`
}

// Table is an ordered list of disjoint breakpoints for one pollutant.
// Precision is the number of decimal places the concentration is truncated to
// before lookup, which closes the gaps between published ranges.
type Table struct {
	Name        string
	Unit        string
	Precision   int
	Breakpoints []Breakpoint
}

// Category is a band of the AQI scale with its health guidance.
type Category struct {
	Low        int    `json:"low"`
	High       int    `json:"high"`
	Level      string `json:"level"`
	Suggestion string `json:"suggestion"`
	Color      string `json:"color"`
}

// PM25 is the US EPA PM2.5 (µg/m³, 24h) table.
var PM25 = Table{
	Name:      "pm25",
	Unit:      "µg/m³",
	Precision: 1,
	Breakpoints: []Breakpoint{
		{CLow: 0.0, CHigh: 12.0, ILow: 0, IHigh: 50},
		{CLow: 12.1, CHigh: 35.4, ILow: 51, IHigh: 100},
		{CLow: 35.5, CHigh: 55.4, ILow: 101, IHigh: 150},
		{CLow: 55.5, CHigh: 150.4, ILow: 151, IHigh: 200},
		{CLow: 150.5, CHigh: 250.4, ILow: 201, IHigh: 300},
		{CLow: 250.5, CHigh: 500.4, ILow: 301, IHigh: 500},
	},
}

// PM10 is the US EPA PM10 (µg/m³, 24h) table.
var PM10 = Table{
	Name:      "pm10",
	Unit:      "µg/m³",
	Precision: 0,
	Breakpoints: []Breakpoint{
		{CLow: 0, CHigh: 54, ILow: 0, IHigh: 50},
		{CLow: 55, CHigh: 154, ILow: 51, IHigh: 100},
		{CLow: 155, CHigh: 254, ILow: 101, IHigh: 150},
		{CLow: 255, CHigh: 354, ILow: 151, IHigh: 200},
		{CLow: 355, CHigh: 424, ILow: 201, IHigh: 300},
		{CLow: 425, CHigh: 604, ILow: 301, IHigh: 500},
	},
}

// MQ135PPM maps the MQ135 gas sensor reading (ppm) onto the AQI scale.
var MQ135PPM = Table{
	Name:      "air_quality_ppm",
	Unit:      "ppm",
	Precision: 0,
	Breakpoints: []Breakpoint{
		{CLow: 0, CHigh: 50, ILow: 0, IHigh: 50},
		{CLow: 51, CHigh: 100, ILow: 51, IHigh: 100},
		{CLow: 101, CHigh: 200, ILow: 101, IHigh: 150},
		{CLow: 201, CHigh: 300, ILow: 151, IHigh: 200},
		{CLow: 301, CHigh: 500, ILow: 201, IHigh: 300},
		{CLow: 501, CHigh: 1000, ILow: 301, IHigh: 500},
	},
}

// Categories is the AQI category table, ordered from best to worst.
var Categories = []Category{
	{
		Low:        0,
		High:       50,
		Level:      "Good",
		Suggestion: "Air quality is satisfactory; enjoy outdoor activities",
		Color:      "#00e400",
	},
	{
		Low:        51,
		High:       100,
		Level:      "Moderate",
		Suggestion: "Sensitive individuals should limit prolonged outdoor exertion",
		Color:      "#ffff00",
	},
	{
		Low:        101,
		High:       200,
		Level:      "Poor",
		Suggestion: "Reduce prolonged outdoor exposure; consider protective masks",
		Color:      "#ff7e00",
	},
	{
		Low:        201,
		High:       300,
		Level:      "Very Poor",
		Suggestion: "Avoid outdoor activities; sensitive groups stay indoors",
		Color:      "#ff0000",
	},
	{
		Low:        301,
		High:       500,
		Level:      "Severe",
		Suggestion: "Health emergency conditions; everyone should remain indoors",
		Color:      "#8f3f97",
	},
}
