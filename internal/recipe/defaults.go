package recipe

// Variant names shipped with the default recipe.
const (
	VariantVulkan = "vulkan"
	VariantSlim   = "slim"
)

// Default returns the recipe the worker image is built from.
//
// The slim variant is for base images that already ship a Vulkan loader; the
// vulkan variant installs libvulkan1 itself.
func Default() *Recipe {
	return &Recipe{
		Name:   "rife-worker",
		AppDir: DefaultAppDir,
		Base: ImageRef{
			Name: "runpod/pytorch",
			Tag:  "2.1.0-py3.10-cuda11.8.0-devel-ubuntu22.04",
		},
		Packages: []string{"python3-pip", "wget", "unzip", "ffmpeg"},
		Binary: BinarySource{
			URL:        "https://github.com/nihui/rife-ncnn-vulkan/releases/download/20221029/rife-ncnn-vulkan-20221029-ubuntu.zip",
			ArchiveDir: "rife-ncnn-vulkan-20221029-ubuntu",
			BinaryName: "rife-ncnn-vulkan",
			// The digest is supplied at deploy time (RIFE_BINARY_SHA256 or
			// --binary-sha256); an unpinned archive fails lint and acquire.
			RequireChecksum: true,
		},
		App: AppLayer{
			Requirements: "requirements.txt",
			Handler:      "handler.py",
			Interpreter:  "python3",
			Unbuffered:   true,
		},
		Variants: []Variant{
			{
				Name:          VariantVulkan,
				Description:   "installs the Vulkan loader for base images without one",
				ExtraPackages: []string{"libvulkan1"},
			},
			{
				Name:        VariantSlim,
				Description: "relies on the Vulkan loader provided by the base image",
			},
		},
	}
}
