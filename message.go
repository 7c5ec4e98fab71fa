package main

const (
	MsgUploadImage = "Please upload an image"

	MsgInvalidImage = "Invalid image file"

	MsgUploadTooLarge = "Uploaded file is too large"

	MsgInferenceFailed = "Inference failed"

	MsgInternalError = "Internal server error"
)
