package histopath

var (
	TestGradientColor = testGradientColor
	TestPyramidFS     = testPyramidFS
	TestSlideFS       = testSlideFS
)
